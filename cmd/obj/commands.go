package obj

import (
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/tso"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"strconv"
)

var (
	createCmd = &cobra.Command{
		Use:   "create [name] [value]",
		Short: "Creates a named object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, value := args[0], args[1]
			var id tso.ObjectID
			err := runTxn(cmd, func(txn *tso.Transaction) (err error) {
				id, err = txn.Create([]byte(value), name)
				return err
			})
			if err != nil {
				return err
			}
			if id == tso.InvalidID {
				fmt.Printf("name=%s, created=false (name is taken)\n", name)
				return nil
			}
			fmt.Printf("name=%s, created=true, id=%d\n", name, id)
			return nil
		},
	}
	lookupCmd = &cobra.Command{
		Use:   "lookup [name]",
		Short: "Prints the id bound to a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var id tso.ObjectID
			err := runTxn(cmd, func(txn *tso.Transaction) (err error) {
				id, err = txn.Lookup(name)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("name=%s, found=%t, id=%d\n", name, id != tso.InvalidID, id)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [name]",
		Short: "Reads an object without locking it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var value []byte
			err := runTxn(cmd, func(txn *tso.Transaction) error {
				id, err := lookup(txn, name)
				if err != nil {
					return err
				}
				value, err = txn.Peek(id)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("name=%s, found=%t, value=%s\n", name, value != nil, value)
			return nil
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [name] [value]",
		Short: "Sets the value of an object, creating it if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, value := args[0], args[1]
			err := runTxn(cmd, func(txn *tso.Transaction) error {
				id, err := txn.Lookup(name)
				if err != nil {
					return err
				}
				if id == tso.InvalidID {
					if id, err = txn.Create([]byte(value), name); err != nil || id != tso.InvalidID {
						return err
					}
					// lost the create race, the winner's object is locked now
					if id, err = lookup(txn, name); err != nil {
						return err
					}
				}
				if _, err := txn.Lock(id); err != nil {
					return err
				}
				return txn.Write(id, []byte(value))
			})
			if err != nil {
				return err
			}
			fmt.Println("set successfully")
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:   "incr [name] [delta]",
		Short: "Adds delta to an integer object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("delta must be a number: %w", err)
			}
			var next int64
			err = runTxn(cmd, func(txn *tso.Transaction) error {
				id, err := lookup(txn, name)
				if err != nil {
					return err
				}
				value, err := txn.Lock(id)
				if err != nil {
					return err
				}
				current, err := strconv.ParseInt(string(value), 10, 64)
				if err != nil {
					return errors.Wrapf(err, "object %q is not a number", name)
				}
				next = current + delta
				return txn.Write(id, []byte(strconv.FormatInt(next, 10)))
			})
			if err != nil {
				return err
			}
			fmt.Printf("name=%s, value=%d\n", name, next)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [name]",
		Short: "Destroys an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			err := runTxn(cmd, func(txn *tso.Transaction) error {
				id, err := lookup(txn, name)
				if err != nil {
					return err
				}
				return txn.Destroy(id)
			})
			if err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
)
