package obj

import (
	"context"
	"github.com/ValentinKolb/dTSO/cmd/util"
	"github.com/ValentinKolb/dTSO/lib/tso"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	// ObjectCommands represents the object command group
	ObjectCommands = &cobra.Command{
		Use:   "obj",
		Short: "Perform transactional object operations",
		Long: util.WrapString(`Every command runs as one transaction against the configured store. ` +
			`Objects are addressed by name.`),
	}
)

func init() {
	ObjectCommands.AddCommand(createCmd)
	ObjectCommands.AddCommand(lookupCmd)
	ObjectCommands.AddCommand(getCmd)
	ObjectCommands.AddCommand(setCmd)
	ObjectCommands.AddCommand(incrCmd)
	ObjectCommands.AddCommand(delCmd)
}

// runTxn opens the object store and runs fn as one unit of work, retried on deadlock
func runTxn(cmd *cobra.Command, fn func(txn *tso.Transaction) error) (err error) {
	objectStore, closeFn, err := util.OpenObjectStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, closeFn())
	}()

	return tso.Run(context.Background(), objectStore.NewTransaction(), fn)
}

// lookup returns the id bound to name or an error if there is none
func lookup(txn *tso.Transaction, name string) (tso.ObjectID, error) {
	id, err := txn.Lookup(name)
	if err != nil {
		return tso.InvalidID, err
	}
	if id == tso.InvalidID {
		return tso.InvalidID, errors.Wrapf(tso.ErrNonExistentObjectID, "no object named %q", name)
	}
	return id, nil
}
