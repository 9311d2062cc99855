package serve

import (
	"fmt"
	cmdUtil "github.com/ValentinKolb/dTSO/cmd/util"
	"github.com/ValentinKolb/dTSO/lib/tso"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	log      = logger.GetLogger("tso")
	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a replica of the object store",
		Long: cmdUtil.WrapString(`Start a replica of the raft backed object store and keep it running until ` +
			`SIGINT or SIGTERM. Other processes of the cluster run transactions against the same shard. ` +
			`The configuration can be set via command line flags or environment variables. The format of ` +
			`the environment variables is DTSO_<flag> (e.g. DTSO_REPLICA_ID=node-2)`),
		RunE: run,
	}
)

func init() {
	key := "metrics-interval"
	ServeCmd.Flags().Duration(key, 0, cmdUtil.WrapString("Print the protocol metrics at this interval (0 disables it)"))
}

func run(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := cmdUtil.PrintConfig(cmd); err != nil {
		return err
	}

	objectStore, closeFn, err := cmdUtil.OpenObjectStore(cmd)
	if err != nil {
		return err
	}
	log.Infof("replica is serving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var tick <-chan time.Time
	if interval := viper.GetDuration("metrics-interval"); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			fmt.Printf("# active transactions: %d\n", objectStore.ActiveTransactions())
			tso.WriteMetrics(os.Stdout)
		case s := <-sig:
			log.Infof("received %s, shutting down", s)
			return closeFn()
		}
	}
}
