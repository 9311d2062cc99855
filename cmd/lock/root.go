package lock

import (
	"encoding/hex"
	"fmt"
	"github.com/ValentinKolb/dTSO/cmd/util"
	"github.com/ValentinKolb/dTSO/lib/dataspace"
	"github.com/ValentinKolb/dTSO/lib/lockmgr"
	"github.com/ValentinKolb/dTSO/lib/tso"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"strconv"
)

var (
	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:   "lock",
		Short: "Inspect and repair object locks",
	}

	// showCmd represents the show command
	showCmd = &cobra.Command{
		Use:   "show [id]",
		Short: "Show the lock state of an object",
		Long: util.WrapString("Prints the object header (owner, seniority, deadline, waiting transactions) " +
			"and the owner of the record lock if record locks live in the store."),
		Args: cobra.ExactArgs(1),
		RunE: runShow,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [id] [ownerID]",
		Short: "Release a record lock left behind by a crashed process",
		Long: util.WrapString("Release a record lock using the object id and owner ID. The owner ID is the hex " +
			"string printed by the show command. Only needed with --lock-backend=store."),
		Args: cobra.ExactArgs(2),
		RunE: runRelease,
	}
)

func init() {
	LockCommands.AddCommand(showCmd)
	LockCommands.AddCommand(releaseCmd)
}

func parseID(arg string) (tso.ObjectID, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == uint64(tso.InvalidID) {
		return tso.InvalidID, fmt.Errorf("invalid object id %q", arg)
	}
	return tso.ObjectID(id), nil
}

// runShow handles the show command
func runShow(cmd *cobra.Command, args []string) (err error) {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	objectStore, closeFn, err := util.OpenObjectStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, closeFn())
	}()

	hdr, err := objectStore.Inspect(id)
	if err != nil {
		return fmt.Errorf("failed to read object %d: %w", id, err)
	}
	fmt.Printf("id=%d, %s\n", id, hdr)
	for _, l := range hdr.Listeners {
		fmt.Printf("  waiting: %s\n", l)
	}

	owner, held, err := lockmgr.NewLockManager(objectStore.DataSpace().Store()).Owner(dataspace.RecordLockKey(id))
	if err != nil {
		return fmt.Errorf("failed to read record lock: %w", err)
	}
	if held {
		fmt.Printf("record lock: held, ownerID=%s\n", hex.EncodeToString(owner))
	} else {
		fmt.Println("record lock: free")
	}
	return nil
}

// runRelease handles the release command
func runRelease(cmd *cobra.Command, args []string) (err error) {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ownerID, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("invalid owner ID format: %v", err)
	}

	s, closeFn, err := util.OpenStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, closeFn())
	}()

	released, err := lockmgr.NewLockManager(s).ReleaseLock(dataspace.RecordLockKey(id), ownerID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}
	fmt.Printf("released=%v\n", released)
	return nil
}
