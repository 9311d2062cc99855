package tso

import (
	"context"
	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"time"
)

// Run executes fn as one unit of work on txn: Start, fn, Commit. When the attempt
// ends in ErrDeadlock the whole unit of work is run again on the same transaction
// after an exponential backoff, keeping its seniority. Any other error aborts the
// attempt and is returned. Cancelling ctx stops further attempts, as does
// reaching the retry bound the transaction was created with.
func Run(ctx context.Context, txn *Transaction, fn func(txn *Transaction) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = max(txn.timeout/4, b.InitialInterval)

	attempt := func() (struct{}, error) {
		if err := txn.Start(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if err := fn(txn); err != nil {
			if txn.active {
				if abortErr := txn.Abort(); abortErr != nil {
					log.Errorf("txn %s: abort after failed unit of work: %v", txn.id, abortErr)
				}
			}
			if errors.Is(err, ErrDeadlock) {
				log.Debugf("txn %s retries after %v", txn.id, err)
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		if err := txn.Commit(); err != nil {
			if errors.Is(err, ErrDeadlock) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(txn.retries),
		backoff.WithMaxElapsedTime(0),
	)
	// the last try returns its error still wrapped
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return err
}
