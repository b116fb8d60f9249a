package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/internal/aws"
	"github.com/scttfrdmn/aws-cluster-launch/internal/bootstrap"
	"github.com/scttfrdmn/aws-cluster-launch/internal/cluster"
	"github.com/scttfrdmn/aws-cluster-launch/internal/config"
	"github.com/scttfrdmn/aws-cluster-launch/internal/launch"
	"github.com/scttfrdmn/aws-cluster-launch/internal/mockcloud"
	"github.com/scttfrdmn/aws-cluster-launch/internal/report"
	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Exit codes
const (
	exitOK             = 0
	exitError          = 1
	exitPartialFailure = 2
)

type launchFlags struct {
	configFile                string
	dryRun                    bool
	bootstrap                 bool
	bootstrapRunsInitialApply bool
	sshPassword               string
	prerelease                bool
	templateFile              string
	force                     bool
	runList                   []string
	sshUser                   string
	identityFile              string
	nodeName                  string
	distro                    string
	summaryFile               string
	inventoryFile             string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command and maps its outcome to a process exit code
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, launch.ErrPartialFailure):
		return exitPartialFailure
	default:
		return exitError
	}
}

func newRootCmd() *cobra.Command {
	flags := &launchFlags{}

	rootCmd := &cobra.Command{
		Use:   "cluster-launch CLUSTER [FACET]",
		Short: "Create the missing servers of a cluster and wait until they are reachable",
		Long: `Create every server of a cluster (or of one of its facets) that does not exist yet,
in a single batch request, then drive each new server through its readiness steps in
parallel: instance running, volumes attached, SSH reachable and, with --bootstrap,
initial configuration applied.

Exit status is 0 when every server is ready, 2 when some servers failed, and 1 when
nothing was launched.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd, flags, args)
		},
	}

	f := rootCmd.Flags()
	f.StringVarP(&flags.configFile, "config", "c", "/etc/cluster-launch/config.yaml", "Configuration file path")
	f.BoolVar(&flags.dryRun, "dry-run", false, "Use the simulated provider instead of the cloud API")
	f.BoolVar(&flags.bootstrap, "bootstrap", false, "Also bootstrap the launched nodes")
	f.BoolVar(&flags.bootstrapRunsInitialApply, "bootstrap-runs-initial-apply", false, "Make the bootstrap script perform the first configuration run")
	f.StringVarP(&flags.sshPassword, "ssh-password", "P", "", "The ssh password")
	f.BoolVar(&flags.prerelease, "prerelease", false, "Install pre-release configuration agent packages when bootstrapping")
	f.StringVar(&flags.templateFile, "template-file", "", "Full path to the bootstrap script template")
	f.BoolVar(&flags.force, "force", false, "Launch even when servers are in an undefined state")
	f.StringSliceVarP(&flags.runList, "run-list", "r", nil, "Run list for bootstrapped nodes (overrides the facet run list)")
	f.StringVarP(&flags.sshUser, "ssh-user", "x", "", "The ssh user name (overrides the cloud settings)")
	f.StringVarP(&flags.identityFile, "identity-file", "i", "", "The ssh identity file (overrides the cloud settings)")
	f.StringVarP(&flags.nodeName, "node-name", "N", "", "Node name to register (defaults to the instance id)")
	f.StringVarP(&flags.distro, "distro", "d", "", "Bootstrap distro (overrides the cloud settings)")
	f.StringVar(&flags.summaryFile, "summary-file", "", "Write a YAML summary of the launch to this file")
	f.StringVar(&flags.inventoryFile, "inventory", "", "YAML file of existing instances to seed the simulated provider with (dry run only)")

	return rootCmd
}

func runLaunch(cmd *cobra.Command, flags *launchFlags, args []string) error {
	clusterName := args[0]
	facetName := ""
	if len(args) > 1 {
		facetName = args[1]
	}

	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := cfg.SetupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Launch.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Launch.LaunchTimeout)
		defer cancel()
	}

	opts := buildOptions(cfg, flags)
	backend, err := newBackend(ctx, logger, cfg, flags, clusterName)
	if err != nil {
		return err
	}

	target, err := cluster.NewResolver(cfg, backend.inventory, logger).Resolve(ctx, clusterName, facetName)
	if err != nil {
		return fmt.Errorf("failed to resolve cluster slice: %w", err)
	}

	printer := report.NewPrinter(cmd.OutOrStdout())
	if len(target.Undefined) > 0 {
		printer.Banner(fmt.Sprintf("%s: good servers", sliceName(clusterName, facetName)), report.TargetRows(target))
		printer.Undefined(target.Undefined)
	}

	orchestratorOpts := []launch.Option{
		launch.WithSecurityGroups(backend.groups),
		launch.WithProgress(report.NewTerminalProgressBar(cmd.ErrOrStderr())),
		launch.WithCreatedHook(func(infos []types.InstanceInfo) {
			printer.Banner(fmt.Sprintf("%s: launched servers", sliceName(clusterName, facetName)), report.InstanceRows(infos))
		}),
	}

	var metrics *launch.Metrics
	if cfg.Metrics.Enabled {
		metrics = launch.NewMetrics()
		orchestratorOpts = append(orchestratorOpts, launch.WithMetrics(metrics))
	}

	if opts.Bootstrap {
		settings := bootstrap.NewSettings(cfg)
		if opts.DryRun {
			orchestratorOpts = append(orchestratorOpts, launch.WithBootstrapper(bootstrap.NewSimulated(logger, settings)))
		} else {
			orchestratorOpts = append(orchestratorOpts, launch.WithBootstrapper(bootstrap.New(logger, settings)))
		}
	}

	logger.Info("Launching cluster slice",
		zap.String("cluster", clusterName),
		zap.String("facet", facetName),
		zap.Int("servers", target.NodeCount()),
		zap.Int("uncreated", len(target.Uncreated)),
		zap.Bool("dry_run", opts.DryRun),
		zap.Bool("bootstrap", opts.Bootstrap))

	session, launchErr := launch.New(logger, backend.cloud, opts, orchestratorOpts...).Launch(ctx, target)

	if errors.Is(launchErr, launch.ErrNothingToLaunch) {
		printer.Banner(sliceName(clusterName, facetName), report.TargetRows(target))
		printer.Note("All servers are running -- not launching any.")
		return launchErr
	}
	if session == nil {
		return launchErr
	}

	printer.Banner(fmt.Sprintf("%s: final state", sliceName(clusterName, facetName)), report.SessionRows(session))

	if flags.summaryFile != "" {
		if err := report.WriteSummary(flags.summaryFile, session); err != nil {
			logger.Error("Failed to write launch summary", zap.String("path", flags.summaryFile), zap.Error(err))
		} else {
			logger.Info("Launch summary written", zap.String("path", flags.summaryFile))
		}
	}

	if metrics != nil && cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("Failed to write metrics textfile", zap.String("path", cfg.Metrics.Textfile), zap.Error(err))
		}
	}

	return launchErr
}

// buildOptions folds the command flags into the configured options
func buildOptions(cfg *config.Config, flags *launchFlags) launch.Options {
	opts := launch.NewOptions(cfg)
	opts.DryRun = flags.dryRun
	opts.Bootstrap = flags.bootstrap
	opts.BootstrapRunsInitialApply = flags.bootstrapRunsInitialApply
	opts.SSHPassword = flags.sshPassword
	opts.Prerelease = flags.prerelease
	opts.Force = flags.force
	opts.RunList = flags.runList
	opts.SSHUser = flags.sshUser
	opts.IdentityFile = flags.identityFile
	opts.NodeName = flags.nodeName
	opts.Distro = flags.distro
	if flags.templateFile != "" {
		opts.TemplateFile = flags.templateFile
	}
	return opts
}

type backend struct {
	cloud     launch.Cloud
	inventory cluster.Inventory
	groups    launch.SecurityGroupEnsurer
}

// newBackend selects the simulated provider for dry runs and EC2 otherwise
func newBackend(ctx context.Context, logger *zap.Logger, cfg *config.Config, flags *launchFlags, clusterName string) (*backend, error) {
	if flags.dryRun {
		provider := mockcloud.New(logger)
		if flags.inventoryFile != "" {
			if err := provider.LoadInventory(flags.inventoryFile); err != nil {
				return nil, err
			}
		}
		provider.RegisterKeyPair(clusterName)
		return &backend{cloud: provider, inventory: provider, groups: provider}, nil
	}

	if flags.inventoryFile != "" {
		logger.Warn("--inventory only applies to dry runs, ignoring it", zap.String("path", flags.inventoryFile))
	}

	client, err := aws.NewClient(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS client: %w", err)
	}
	return &backend{cloud: client, inventory: client, groups: client}, nil
}

func sliceName(clusterName, facetName string) string {
	if facetName == "" {
		return clusterName
	}
	return clusterName + "-" + facetName
}
