package raw

import (
	"fmt"
	"github.com/ValentinKolb/dTSO/cmd/util"
	"github.com/ValentinKolb/dTSO/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	// RawCommands represents the raw store command group
	RawCommands = &cobra.Command{
		Use:   "raw",
		Short: "Read and repair the key-value store underneath the objects",
		Long: util.WrapString(`Keys of the object store: r/<id> record content, rn/<id> name of a record, ` +
			`n/<name> id bound to a name, m/next-id id allocator, l/<id> record lock. ` +
			`Writing these keys bypasses all locking.`),
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withStore(cmd, func(s store.IStore) error {
				resp, ok, err := s.Get(key)
				if err != nil {
					return err
				}
				fmt.Printf("key=%s, found=%v, resp=%q\n", key, ok, resp)
				return nil
			})
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withStore(cmd, func(s store.IStore) error {
				found, err := s.Has(key)
				if err != nil {
					return err
				}
				fmt.Printf("key=%s, found=%t\n", key, found)
				return nil
			})
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withStore(cmd, func(s store.IStore) error {
				if err := s.Delete(key); err != nil {
					return err
				}
				fmt.Println("delete successfully")
				return nil
			})
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints information about the storage engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(s store.IStore) error {
				info, err := s.GetDBInfo()
				if err != nil {
					return err
				}
				fmt.Printf("%+v\n", info)
				return nil
			})
		},
	}
)

func init() {
	RawCommands.AddCommand(getCmd)
	RawCommands.AddCommand(hasCmd)
	RawCommands.AddCommand(delCmd)
	RawCommands.AddCommand(infoCmd)
}

// withStore opens the configured store, runs fn and closes the store again
func withStore(cmd *cobra.Command, fn func(s store.IStore) error) (err error) {
	s, closeFn, err := util.OpenStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, closeFn())
	}()
	return fn(s)
}
