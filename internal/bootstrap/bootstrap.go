// Package bootstrap applies the initial configuration to a freshly launched node.
// A shell script is rendered from a template and piped to bash over SSH.
//
// Host key verification is disabled: the nodes were created moments ago and have
// no known host key yet.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/internal/config"
	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

const defaultDialTimeout = 10 * time.Second

// Settings are the configuration-server values shared by every node
type Settings struct {
	ServerURL     string
	ValidationKey string
	DialTimeout   time.Duration
}

// NewSettings reads bootstrap settings from the loaded configuration
func NewSettings(cfg *config.Config) Settings {
	return Settings{
		ServerURL:     cfg.Bootstrap.ServerURL,
		ValidationKey: cfg.Bootstrap.ValidationKey,
		DialTimeout:   cfg.Launch.SSHProbeTimeout,
	}
}

// Command is one remote execution: command runs with script on stdin
type Command struct {
	Target  Target
	Command string
	Stdin   string
}

// Runner executes a command on a remote host and returns its combined output
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// SSHBootstrapper renders the bootstrap script and runs it through a Runner
type SSHBootstrapper struct {
	logger   *zap.Logger
	runner   Runner
	settings Settings
}

// New creates a bootstrapper that connects over SSH
func New(logger *zap.Logger, settings Settings) *SSHBootstrapper {
	return NewWithRunner(logger, &SSHRunner{DialTimeout: settings.DialTimeout}, settings)
}

// NewWithRunner creates a bootstrapper on top of an arbitrary runner
func NewWithRunner(logger *zap.Logger, runner Runner, settings Settings) *SSHBootstrapper {
	return &SSHBootstrapper{logger: logger, runner: runner, settings: settings}
}

// Bootstrap renders the script for req and runs it on the node
func (b *SSHBootstrapper) Bootstrap(ctx context.Context, req types.BootstrapRequest) error {
	if req.Host == "" {
		return fmt.Errorf("node %s has no address to bootstrap", req.Node.Name)
	}
	if req.SSHUser == "" {
		return fmt.Errorf("node %s has no ssh user", req.Node.Name)
	}

	script, err := RenderScript(req, b.settings)
	if err != nil {
		return err
	}

	logger := b.logger.With(zap.String("node", req.Node.Name), zap.String("host", req.Host))
	logger.Info("Bootstrapping node",
		zap.String("node_name", req.NodeName),
		zap.Strings("run_list", req.RunList),
		zap.String("distro", req.Distro),
		zap.Bool("sudo", req.UseSudo))

	output, err := b.runner.Run(ctx, Command{
		Target:  TargetFor(req),
		Command: shellCommand(req.UseSudo),
		Stdin:   script,
	})
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			logger.Debug(line)
		}
	}
	if err != nil {
		return fmt.Errorf("bootstrap of %s failed: %w", req.Node.Name, err)
	}
	return nil
}

func shellCommand(sudo bool) string {
	if sudo {
		return "sudo bash -s"
	}
	return "bash -s"
}
