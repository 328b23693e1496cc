package cli

import (
	"os"

	"github.com/kvesta/quietpatch/internal"
	"github.com/kvesta/quietpatch/internal/report"

	"github.com/spf13/cobra"
)

func scan() {
	var (
		opts   internal.ScanOptions
		online bool
	)

	scanCmd := &cobra.Command{
		Use:   "scan [OPTIONS]",
		Short: "Scan installed applications against the local snapshot",
		Long: `Examples:
  # Scan the packages of this host
  $ quietpatch scan

  # Scan an application list or a CycloneDX SBOM
  $ quietpatch scan --inventory apps.json
  $ quietpatch scan --inventory bom.json --policy policy.yml

  # Scan local docker images and the pods running on this node
  $ quietpatch scan --source docker --source kube

  # Scan a mounted filesystem
  $ quietpatch scan --root /mnt/image --source host

  # Look unmatched applications up on NVD
  $ NVD_API_KEY=<key> quietpatch scan --online`,
		Args: NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("online") {
				settings.Online = online
			}

			ctx, stop := signalContext()
			defer stop()

			return internal.DoScan(ctx, settings, opts, os.Stdout)
		},
	}

	flags := scanCmd.Flags()
	flags.StringVarP(&opts.Inventory, "inventory", "i", "", "JSON application list or CycloneDX SBOM")
	flags.StringSliceVarP(&opts.Sources, "source", "s", nil, "inventory sources: host, dpkg, rpm, pacman, docker, kube")
	flags.StringVar(&opts.Root, "root", "/", "filesystem root for host, dpkg, rpm and pacman sources")
	flags.StringVar(&opts.Kubeconfig, "kubeconfig", "", "kubeconfig for the kube source")
	flags.StringVar(&opts.Node, "node", "", "node name for the kube source (default this host)")
	flags.BoolVar(&online, "online", false, "query NVD for applications the snapshot does not know")
	flags.StringVarP(&opts.PolicyFile, "policy", "p", "", "policy file")
	flags.StringVarP(&opts.Output, "output", "o", report.DefaultOutput, "JSON report location, empty to skip")
	flags.StringVar(&opts.CSV, "csv", "", "also write a CSV report")
	flags.StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus textfile metrics")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not print the findings table")

	rootCmd.AddCommand(scanCmd)
}
