package bench

import (
	"github.com/ValentinKolb/dTSO/cmd/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

var (
	// BenchCmd represents the benchmark command
	BenchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Contention benchmark for the object store",
		Long: util.WrapString(`Runs transactional workloads with many concurrent transactions against the ` +
			`configured store: create, peek, counter (read-modify-write of one object), transfer ` +
			`(two objects locked in random order) and mixed. Fewer objects mean more contention.`),
		PreRunE: processBenchConfig,
		RunE:    run,
	}
	benchKeyPrefix   = "__bench"
	benchPayloadSize = 64
	benchNumThreads  = 10
	benchObjects     = 16
	benchSkip        = make([]string, 0)
)

func init() {
	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. create,peek)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines per CPU running transactions"))
	key = "objects"
	BenchCmd.Flags().Int(key, 16, util.WrapString("How many shared objects the counter and transfer tests contend over"))
	key = "payload-size"
	BenchCmd.Flags().Int(key, 64, util.WrapString("Payload size of objects created by the create test (in bytes)"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
	key = "metrics"
	BenchCmd.Flags().Bool(key, false, util.WrapString("Print the protocol metrics (Prometheus format) after the run"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	benchPayloadSize = viper.GetInt("payload-size")
	benchObjects = max(viper.GetInt("objects"), 2)
	benchNumThreads = viper.GetInt("threads")
	benchSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}
