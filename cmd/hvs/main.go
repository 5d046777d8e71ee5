// Command hvs is the Huly/Vibe/Beads synchronization engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/config"
)

// Exit codes.
const (
	exitOK            = 0
	exitFatalStartup  = 1
	exitConfigInvalid = 2
	exitRuntimeError  = 3
)

var (
	// Version and Build are stamped by the release pipeline.
	Version = "dev"
	Build   = "unknown"

	configFile  string
	verboseFlag bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hvs",
	Short: "hvs - three-way issue sync between Huly, Vibe, and Beads",
	Long: `hvs keeps issues consistent across a Huly project server, a Vibe kanban
board, and per-repository Beads trackers. Changes detected on any side
propagate to the others with timestamp conflict resolution and
content-hash idempotency.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("hvs version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfigInvalid)
		}

		logCfg := zap.NewProductionConfig()
		if verboseFlag {
			logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		log, err = logCfg.Build()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to build logger: %v\n", err)
			os.Exit(exitFatalStartup)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().Bool("version", false, "print version and exit")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitRuntimeError)
	}
}

// requireValidConfig exits with the configuration error code when the
// loaded config cannot start the engine.
func requireValidConfig() {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
}
