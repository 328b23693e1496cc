package cli

import (
	"os"

	"github.com/kvesta/quietpatch/internal"

	"github.com/spf13/cobra"
)

func db() {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the vulnerability snapshot",
		Args:  NoArgs,
		Long: `Examples:
  # Verify and install a signed snapshot
  $ quietpatch db install quietpatch-db-2025-01-10.tar.zst

  # Show what is installed
  $ quietpatch db status
  $ quietpatch db stats

  # Publish a snapshot
  $ quietpatch db keygen --dir keys/
  $ quietpatch db build tables/ --out quietpatch-db.tar.zst --epoch 3 --date 2025-01-10 --key keys/quietpatch.key`,
	}

	var (
		sigPath        string
		allowDowngrade bool
	)
	installCmd := &cobra.Command{
		Use:   "install ARCHIVE",
		Short: "Verify and install a snapshot archive",
		Args:  ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			return internal.DoInstall(ctx, settings, args[0], sigPath, allowDowngrade, os.Stdout)
		},
	}
	installCmd.Flags().StringVar(&sigPath, "sig", "", "detached signature (default ARCHIVE.minisig)")
	installCmd.Flags().BoolVar(&allowDowngrade, "allow-downgrade", false, "install an older or equal snapshot")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the installed snapshot",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return internal.DoStatus(settings, os.Stdout)
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show vulnerability database statistics",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return internal.DoStats(settings, os.Stdout)
		},
	}

	var build internal.BuildOptions
	buildCmd := &cobra.Command{
		Use:   "build SRC",
		Short: "Pack a directory of tables into a snapshot archive",
		Args:  ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			build.Source = args[0]
			if build.Password == "" {
				build.Password = os.Getenv("QUIETPATCH_KEY_PASSWORD")
			}
			return internal.DoBuild(build, os.Stdout)
		},
	}
	buildCmd.Flags().StringVar(&build.Out, "out", "", "archive path, .tar.zst .tar.gz .tar.xz or .tar")
	buildCmd.Flags().IntVar(&build.Epoch, "epoch", 0, "snapshot epoch")
	buildCmd.Flags().StringVar(&build.Date, "date", "", "snapshot date YYYY-MM-DD")
	buildCmd.Flags().StringVar(&build.Key, "key", "", "minisign secret key used to sign the archive")
	_ = buildCmd.MarkFlagRequired("out")
	_ = buildCmd.MarkFlagRequired("date")

	var keyDir string
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a snapshot signing key pair",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return internal.DoKeygen(keyDir, os.Stdout)
		},
	}
	keygenCmd.Flags().StringVar(&keyDir, "dir", ".", "output directory")

	dbCmd.AddCommand(installCmd, statusCmd, statsCmd, buildCmd, keygenCmd)
	rootCmd.AddCommand(dbCmd)
}

func cache() {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the identifier cache",
		Args:  NoArgs,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget every cached identifier resolution",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return internal.ClearCache(settings)
		},
	}

	cacheCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(cacheCmd)
}
