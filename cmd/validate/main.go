package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/aws-cluster-launch/internal/aws"
	"github.com/scttfrdmn/aws-cluster-launch/internal/cluster"
	"github.com/scttfrdmn/aws-cluster-launch/internal/config"
	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

var logger *zap.Logger

func main() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Printf("Warning: failed to sync logger: %v\n", syncErr)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		logger.Error("Validation failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cluster-launch-validate",
		Short: "Validate configuration files and cluster definitions",
		Long: `Validate cluster-launch configuration files, resolve cluster slices into the
servers they define, and check AWS credentials before launching anything.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(credentialsCmd())
	return rootCmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [config-file]",
		Short: "Validate a cluster-launch configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := args[0]

			logger.Info("Validating configuration file", zap.String("file", configFile))

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			if err := validateConfigCompleteness(cfg); err != nil {
				return fmt.Errorf("configuration incomplete: %w", err)
			}

			servers := 0
			for _, c := range cfg.Clusters {
				for _, f := range c.Facets {
					servers += f.Instances
				}
			}

			logger.Info("✅ Configuration file is valid",
				zap.String("file", configFile),
				zap.String("aws_region", cfg.AWS.Region),
				zap.Int("cluster_count", len(cfg.Clusters)),
				zap.Int("server_count", servers))

			return nil
		},
	}
}

// clusterPlan is what a launch of the slice would ask for
type clusterPlan struct {
	Cluster        string                    `yaml:"cluster"`
	Facet          string                    `yaml:"facet,omitempty"`
	Servers        []types.NodeSpec          `yaml:"servers"`
	SecurityGroups []types.SecurityGroupSpec `yaml:"security_groups"`
}

func clusterCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "cluster CLUSTER [FACET]",
		Short: "Resolve a cluster slice and print the servers it defines",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			plan := clusterPlan{Cluster: args[0]}
			if len(args) > 1 {
				plan.Facet = args[1]
			}

			resolver := cluster.NewResolver(cfg, nil, logger)
			if plan.Servers, err = resolver.Nodes(plan.Cluster, plan.Facet); err != nil {
				return err
			}
			if plan.SecurityGroups, err = resolver.SecurityGroups(plan.Cluster, plan.Facet); err != nil {
				return err
			}

			if err := writePlan(cmd.OutOrStdout(), plan); err != nil {
				return err
			}

			logger.Info("✅ Cluster slice resolves",
				zap.String("cluster", plan.Cluster),
				zap.String("facet", plan.Facet),
				zap.Int("servers", len(plan.Servers)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "/etc/cluster-launch/config.yaml", "Configuration file path")
	return cmd
}

func credentialsCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Check that the configured AWS authentication method yields valid credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			auth := aws.NewAuthenticationProvider(logger, &cfg.AWS)
			awsCfg, err := auth.GetAWSConfig(ctx, cfg.AWS.Region)
			if err != nil {
				return fmt.Errorf("credential validation failed: %w", err)
			}

			info, err := auth.GetCredentialInfo(ctx, awsCfg)
			if err != nil {
				return err
			}

			logger.Info("✅ AWS credentials are valid",
				zap.String("method", info.Method),
				zap.String("account", info.Account),
				zap.String("arn", info.ARN))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "/etc/cluster-launch/config.yaml", "Configuration file path")
	return cmd
}

func writePlan(w io.Writer, plan clusterPlan) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		return fmt.Errorf("failed to encode cluster plan: %w", err)
	}
	return enc.Close()
}

// validateConfigCompleteness performs checks that loading does not
func validateConfigCompleteness(cfg *config.Config) error {
	for _, c := range cfg.Clusters {
		for _, f := range c.Facets {
			if f.Cloud.IdentityFile == "" && c.Cloud.IdentityFile == "" && cfg.Bootstrap.IdentityFile == "" {
				logger.Warn("Facet has no identity file; bootstrap will need --identity-file or --ssh-password",
					zap.String("cluster", c.Name),
					zap.String("facet", f.Name))
			}

			for _, v := range f.Volumes {
				if len(v.VolumeIDs) < f.Instances {
					logger.Warn("Not every server of the facet has a volume id; those servers get no attachment",
						zap.String("cluster", c.Name),
						zap.String("facet", f.Name),
						zap.String("volume", v.Name))
				}
				seen := make(map[string]bool)
				for _, id := range v.VolumeIDs {
					if id != "" && seen[id] {
						return fmt.Errorf("volume %s of %s-%s lists %s more than once", v.Name, c.Name, f.Name, id)
					}
					seen[id] = true
				}
			}
		}
	}
	return nil
}
