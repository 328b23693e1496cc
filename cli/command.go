package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kvesta/quietpatch/config"
	"github.com/kvesta/quietpatch/internal"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "quietpatch [OPTIONS]",
		Short: "Offline vulnerability advisories for installed applications",
		Long: `QuietPatch correlates installed applications with a signed, locally installed
vulnerability snapshot and prints what to patch first.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadSettings,
	}

	cfgFile  string
	dataDir  string
	debug    bool
	logJSON  bool
	settings *config.Settings
)

func loadSettings(cmd *cobra.Command, args []string) error {
	s, err := config.LoadSettings(cfgFile)
	if err != nil {
		return err
	}

	if dataDir != "" {
		s.DataDir = dataDir
	}
	if cmd.Flags().Changed("debug") {
		s.Debug = debug
	}
	if cmd.Flags().Changed("log-json") {
		s.LogJSON = logJSON
	}

	config.InitLogger(s.Debug, s.LogJSON)
	settings = s
	return nil
}

// signalContext is cancelled on interrupt so scans and installs stop early.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default ./quietpatch.yaml or ~/.quietpatch/quietpatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding the snapshot, state and caches")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON")

	scan()
	db()
	cache()
	version()

	if err := rootCmd.Execute(); err != nil {
		msg, code := internal.Describe(err)
		fmt.Fprintf(os.Stderr, "%s %s\n", config.Red("Error:"), msg)
		return code
	}
	return internal.ExitOK
}
