package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dTSO/cmd/bench"
	"github.com/ValentinKolb/dTSO/cmd/lock"
	"github.com/ValentinKolb/dTSO/cmd/obj"
	"github.com/ValentinKolb/dTSO/cmd/raw"
	"github.com/ValentinKolb/dTSO/cmd/serve"
	"github.com/ValentinKolb/dTSO/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:          "dtso",
		Short:        "transactional object store",
		SilenceUsage: true,
		Long: fmt.Sprintf(`dTSO (v%s)

A transactional object store written in Go. Transactions lock objects with
timestamp ordering, so the oldest transaction always makes progress. Objects
live in an in-memory, leveldb or RAFT replicated key-value store.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dTSO",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dTSO v%s\n", Version)
		},
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the configuration resolved from flags and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return util.PrintConfig(cmd)
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(obj.ObjectCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(raw.RawCommands)
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupStoreFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
