package tso

import (
	"github.com/ValentinKolb/dTSO/lib/common"
	"github.com/ValentinKolb/dTSO/lib/dataspace"
	"github.com/cockroachdb/errors"
	"time"
)

// storeLockerPoll is how often a StoreLocker retries a busy record lock
const storeLockerPoll = 2 * time.Millisecond

// Open builds an ObjectStore from a config: the store backend, the record locker
// and the dataspace on top of them. The returned function closes the backend.
func Open(cfg common.Config) (*ObjectStore, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid config")
	}

	s, closeStore, err := common.OpenStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	var locker dataspace.RecordLocker
	switch cfg.LockBackend {
	case common.LockBackendStore:
		locker = dataspace.NewStoreLocker(s, storeLockerPoll)
	default:
		locker = dataspace.NewLocalLocker()
	}

	ds := dataspace.New(s, locker, dataspace.Options{IDBlockSize: cfg.IDBlockSize})
	log.Infof("object store open (backend=%s, locks=%s, timeout=%s)", cfg.Backend, cfg.LockBackend, cfg.Timeout())
	return NewObjectStore(ds, Options{Timeout: cfg.Timeout(), MaxRetries: cfg.MaxRetries}), closeStore, nil
}
