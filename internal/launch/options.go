package launch

import (
	"time"

	"github.com/scttfrdmn/aws-cluster-launch/internal/config"
)

// Options is the immutable operator configuration of one launch invocation.
// It is built once by the command and passed by value to the orchestrator and every pipeline.
type Options struct {
	// Command flags
	DryRun                    bool
	Bootstrap                 bool
	BootstrapRunsInitialApply bool
	SSHPassword               string
	Prerelease                bool
	TemplateFile              string
	Force                     bool

	// Bootstrap overrides; empty values fall back to the node's cloud settings
	RunList      []string
	SSHUser      string
	IdentityFile string
	NodeName     string // registered node name; defaults to the instance id
	Distro       string
	UseSudo      bool

	// Readiness pipeline timings
	InitialSSHDelay   time.Duration
	SSHRefusedBackoff time.Duration
	SSHProbeTimeout   time.Duration
	SSHRetryDelay     time.Duration
	SSHPort           int
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
	ProbeTimeout      time.Duration
	ProgressInterval  time.Duration
}

// DefaultOptions returns the baseline timings: 10s initial SSH delay, 2s refused backoff,
// 5s probe timeout, unbounded waits.
func DefaultOptions() Options {
	return Options{
		UseSudo:           true,
		InitialSSHDelay:   10 * time.Second,
		SSHRefusedBackoff: 2 * time.Second,
		SSHProbeTimeout:   5 * time.Second,
		SSHRetryDelay:     10 * time.Second,
		SSHPort:           22,
		ReadyPollInterval: 1 * time.Second,
		ProgressInterval:  1 * time.Second,
	}
}

// NewOptions builds options from the loaded configuration. Flags are applied by the caller.
func NewOptions(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.UseSudo = cfg.Bootstrap.UseSudo
	opts.TemplateFile = cfg.Bootstrap.TemplateFile

	l := cfg.Launch
	opts.InitialSSHDelay = l.InitialSSHDelay
	opts.SSHRefusedBackoff = l.SSHRefusedBackoff
	opts.SSHProbeTimeout = l.SSHProbeTimeout
	opts.SSHRetryDelay = l.SSHRetryDelay
	opts.SSHPort = l.SSHPort
	opts.ReadyPollInterval = l.ReadyPollInterval
	opts.ReadyTimeout = l.ReadyTimeout
	opts.ProbeTimeout = l.ProbeTimeout
	opts.ProgressInterval = l.ProgressInterval

	if opts.SSHRetryDelay == 0 {
		opts.SSHRetryDelay = opts.InitialSSHDelay
	}
	return opts
}

// firstNonEmpty returns the first non-empty string
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
