package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the complete application configuration
type Config struct {
	AWS       AWSConfig       `mapstructure:"aws"`
	Launch    LaunchConfig    `mapstructure:"launch"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Clusters  []ClusterConfig `mapstructure:"clusters"`
}

// AWSConfig contains AWS-specific configuration
type AWSConfig struct {
	Region           string `mapstructure:"region"`
	Profile          string `mapstructure:"profile"`
	RetryMaxAttempts int    `mapstructure:"retry_max_attempts"`
	RetryMode        string `mapstructure:"retry_mode"`

	AuthenticationMethod string              `mapstructure:"authentication_method"`
	AssumeRole           *AssumeRoleConfig   `mapstructure:"assume_role"`
	SSO                  *SSOConfig          `mapstructure:"sso"`
	WebIdentity          *WebIdentityConfig  `mapstructure:"web_identity"`
	CrossAccount         *CrossAccountConfig `mapstructure:"cross_account"`
	AccessKeys           *AccessKeysConfig   `mapstructure:"access_keys"`
}

// AccessKeysConfig contains static access key configuration (DISCOURAGED)
type AccessKeysConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// AssumeRoleConfig contains STS AssumeRole configuration
type AssumeRoleConfig struct {
	RoleARN         string `mapstructure:"role_arn"`
	SessionName     string `mapstructure:"session_name"`
	DurationSeconds int32  `mapstructure:"duration_seconds"`
	ExternalID      string `mapstructure:"external_id"`
}

// SSOConfig contains AWS IAM Identity Center configuration
type SSOConfig struct {
	ProfileName string `mapstructure:"profile_name"`
}

// WebIdentityConfig contains Web Identity Federation configuration
type WebIdentityConfig struct {
	RoleARN     string `mapstructure:"role_arn"`
	TokenFile   string `mapstructure:"token_file"`
	SessionName string `mapstructure:"session_name"`
}

// CrossAccountConfig contains cross-account role assumption configuration
type CrossAccountConfig struct {
	SourceProfile string `mapstructure:"source_profile"`
	TargetRoleARN string `mapstructure:"target_role_arn"`
	ExternalID    string `mapstructure:"external_id"`
	SessionName   string `mapstructure:"session_name"`
}

// LaunchConfig contains the timings of the readiness pipeline
type LaunchConfig struct {
	InitialSSHDelay   time.Duration `mapstructure:"initial_ssh_delay"`
	SSHRefusedBackoff time.Duration `mapstructure:"ssh_refused_backoff"`
	SSHProbeTimeout   time.Duration `mapstructure:"ssh_probe_timeout"`
	SSHRetryDelay     time.Duration `mapstructure:"ssh_retry_delay"` // zero means initial_ssh_delay
	SSHPort           int           `mapstructure:"ssh_port"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"` // zero means no ceiling
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"` // zero means no ceiling
	AttachTimeout     time.Duration `mapstructure:"attach_timeout"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"` // zero means no ceiling
}

// BootstrapConfig contains defaults for the configuration-apply step
type BootstrapConfig struct {
	SSHUser       string   `mapstructure:"ssh_user"`
	IdentityFile  string   `mapstructure:"identity_file"`
	Distro        string   `mapstructure:"distro"`
	TemplateFile  string   `mapstructure:"template_file"`
	UseSudo       bool     `mapstructure:"use_sudo"`
	ServerURL     string   `mapstructure:"server_url"`
	ValidationKey string   `mapstructure:"validation_key"`
	RunList       []string `mapstructure:"run_list"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
	File   string `mapstructure:"file"`
}

// MetricsConfig contains launch metrics configuration
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Textfile string `mapstructure:"textfile"` // node-exporter textfile collector output
}

// ClusterConfig defines a named cluster and its facets
type ClusterConfig struct {
	Name    string        `mapstructure:"name"`
	Cloud   CloudConfig   `mapstructure:"cloud"`
	RunList []string      `mapstructure:"run_list"`
	Facets  []FacetConfig `mapstructure:"facets"`
}

// CloudConfig defines where and how servers are created. Facet values override cluster values.
type CloudConfig struct {
	Region           string   `mapstructure:"region"`
	AvailabilityZone string   `mapstructure:"availability_zone"`
	Flavor           string   `mapstructure:"flavor"`
	Image            string   `mapstructure:"image"`
	SubnetID         string   `mapstructure:"subnet_id"`
	KeyPair          string   `mapstructure:"key_pair"`
	SSHUser          string   `mapstructure:"ssh_user"`
	IdentityFile     string   `mapstructure:"identity_file"`
	BootstrapDistro  string   `mapstructure:"bootstrap_distro"`
	SecurityGroups   []string `mapstructure:"security_groups"`
}

// FacetConfig defines a role within a cluster
type FacetConfig struct {
	Name      string         `mapstructure:"name"`
	Instances int            `mapstructure:"instances"`
	Cloud     CloudConfig    `mapstructure:"cloud"`
	RunList   []string       `mapstructure:"run_list"`
	Volumes   []VolumeConfig `mapstructure:"volumes"`
}

// VolumeConfig defines a volume attached to every server of a facet.
// VolumeIDs is indexed by server index.
type VolumeConfig struct {
	Name       string   `mapstructure:"name"`
	Device     string   `mapstructure:"device"`
	MountPoint string   `mapstructure:"mount_point"`
	VolumeIDs  []string `mapstructure:"volume_ids"`
}

// Load loads configuration from the specified file path
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("CLUSTER_LAUNCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	normalize(&config)

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("aws.retry_max_attempts", 3)
	v.SetDefault("aws.retry_mode", "adaptive")
	v.SetDefault("aws.authentication_method", "default")

	v.SetDefault("launch.initial_ssh_delay", 10*time.Second)
	v.SetDefault("launch.ssh_refused_backoff", 2*time.Second)
	v.SetDefault("launch.ssh_probe_timeout", 5*time.Second)
	v.SetDefault("launch.ssh_retry_delay", time.Duration(0))
	v.SetDefault("launch.ssh_port", 22)
	v.SetDefault("launch.ready_poll_interval", 1*time.Second)
	v.SetDefault("launch.ready_timeout", time.Duration(0))
	v.SetDefault("launch.probe_timeout", time.Duration(0))
	v.SetDefault("launch.attach_timeout", 5*time.Minute)
	v.SetDefault("launch.progress_interval", 1*time.Second)
	v.SetDefault("launch.launch_timeout", time.Duration(0))

	v.SetDefault("bootstrap.ssh_user", "ubuntu")
	v.SetDefault("bootstrap.distro", "ubuntu10.04-gems")
	v.SetDefault("bootstrap.use_sudo", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("metrics.enabled", true)
}

// validate performs configuration validation
func validate(config *Config) error {
	if err := validateAWS(&config.AWS); err != nil {
		return err
	}
	if err := validateLaunch(&config.Launch); err != nil {
		return err
	}
	if err := validateLogging(&config.Logging); err != nil {
		return err
	}
	return validateClusters(config.Clusters)
}

// validateAWS validates AWS configuration
func validateAWS(aws *AWSConfig) error {
	if aws.Region == "" {
		return fmt.Errorf("aws.region is required")
	}
	return nil
}

// validateLaunch validates pipeline timings
func validateLaunch(launch *LaunchConfig) error {
	durations := map[string]time.Duration{
		"launch.initial_ssh_delay":   launch.InitialSSHDelay,
		"launch.ssh_refused_backoff": launch.SSHRefusedBackoff,
		"launch.ssh_retry_delay":     launch.SSHRetryDelay,
		"launch.ready_timeout":       launch.ReadyTimeout,
		"launch.probe_timeout":       launch.ProbeTimeout,
		"launch.launch_timeout":      launch.LaunchTimeout,
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if launch.SSHProbeTimeout <= 0 {
		return fmt.Errorf("launch.ssh_probe_timeout must be positive")
	}
	if launch.ReadyPollInterval <= 0 {
		return fmt.Errorf("launch.ready_poll_interval must be positive")
	}
	if launch.ProgressInterval <= 0 {
		return fmt.Errorf("launch.progress_interval must be positive")
	}
	if launch.AttachTimeout <= 0 {
		return fmt.Errorf("launch.attach_timeout must be positive")
	}
	if launch.SSHPort <= 0 || launch.SSHPort > 65535 {
		return fmt.Errorf("launch.ssh_port must be between 1 and 65535")
	}
	return nil
}

// validateLogging validates logging configuration
func validateLogging(logging *LoggingConfig) error {
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	for _, level := range validLogLevels {
		if logging.Level == level {
			return nil
		}
	}
	return fmt.Errorf("logging.level must be one of: %s", strings.Join(validLogLevels, ", "))
}

// validateClusters validates cluster definitions
func validateClusters(clusters []ClusterConfig) error {
	if len(clusters) == 0 {
		return fmt.Errorf("at least one cluster must be configured")
	}

	seen := make(map[string]bool)
	for i, cluster := range clusters {
		if err := validateCluster(cluster, i); err != nil {
			return err
		}
		if seen[cluster.Name] {
			return fmt.Errorf("clusters[%d].name '%s' is defined more than once", i, cluster.Name)
		}
		seen[cluster.Name] = true
	}
	return nil
}

// validateCluster validates one cluster and its facets
func validateCluster(cluster ClusterConfig, index int) error {
	if cluster.Name == "" {
		return fmt.Errorf("clusters[%d].name is required", index)
	}

	// Names are joined with '-' into node names, so they must not contain one
	if !isAlphanumeric(cluster.Name) {
		return fmt.Errorf("clusters[%d].name must contain only alphanumeric characters", index)
	}

	if len(cluster.Facets) == 0 {
		return fmt.Errorf("clusters[%d].facets cannot be empty", index)
	}

	seen := make(map[string]bool)
	for j, facet := range cluster.Facets {
		if err := validateFacet(cluster, facet, index, j); err != nil {
			return err
		}
		if seen[facet.Name] {
			return fmt.Errorf("clusters[%d].facets[%d].name '%s' is defined more than once", index, j, facet.Name)
		}
		seen[facet.Name] = true
	}

	return nil
}

// validateFacet validates one facet against its cluster defaults
func validateFacet(cluster ClusterConfig, facet FacetConfig, clusterIndex, facetIndex int) error {
	if facet.Name == "" {
		return fmt.Errorf("clusters[%d].facets[%d].name is required", clusterIndex, facetIndex)
	}

	if !isAlphanumeric(facet.Name) {
		return fmt.Errorf("clusters[%d].facets[%d].name must contain only alphanumeric characters", clusterIndex, facetIndex)
	}

	if facet.Instances <= 0 {
		return fmt.Errorf("clusters[%d].facets[%d].instances must be positive", clusterIndex, facetIndex)
	}

	if facet.Cloud.Flavor == "" && cluster.Cloud.Flavor == "" {
		return fmt.Errorf("clusters[%d].facets[%d] has no flavor (set cloud.flavor on the facet or cluster)", clusterIndex, facetIndex)
	}

	if facet.Cloud.Image == "" && cluster.Cloud.Image == "" {
		return fmt.Errorf("clusters[%d].facets[%d] has no image (set cloud.image on the facet or cluster)", clusterIndex, facetIndex)
	}

	for k, volume := range facet.Volumes {
		if volume.Name == "" {
			return fmt.Errorf("clusters[%d].facets[%d].volumes[%d].name is required", clusterIndex, facetIndex, k)
		}
		if volume.Device == "" {
			return fmt.Errorf("clusters[%d].facets[%d].volumes[%d].device is required", clusterIndex, facetIndex, k)
		}
		if len(volume.VolumeIDs) > facet.Instances {
			return fmt.Errorf("clusters[%d].facets[%d].volumes[%d] lists more volume_ids than instances", clusterIndex, facetIndex, k)
		}
	}

	return nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// normalize fills derived values after validation
func normalize(config *Config) {
	if config.Launch.SSHRetryDelay == 0 {
		config.Launch.SSHRetryDelay = config.Launch.InitialSSHDelay
	}

	config.Bootstrap.IdentityFile = expandHome(config.Bootstrap.IdentityFile)
	for i := range config.Clusters {
		config.Clusters[i].Cloud.IdentityFile = expandHome(config.Clusters[i].Cloud.IdentityFile)
		for j := range config.Clusters[i].Facets {
			config.Clusters[i].Facets[j].Cloud.IdentityFile = expandHome(config.Clusters[i].Facets[j].Cloud.IdentityFile)
		}
	}

	// Ensure log file directory exists
	if config.Logging.File != "" {
		dir := filepath.Dir(config.Logging.File)
		if err := os.MkdirAll(dir, 0755); err != nil {
			// Log directory creation failure, but don't fail configuration loading
			fmt.Printf("Warning: failed to create log directory %s: %v\n", dir, err)
		}
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// FindCluster finds a cluster definition by name
func (c *Config) FindCluster(name string) *ClusterConfig {
	for i := range c.Clusters {
		if c.Clusters[i].Name == name {
			return &c.Clusters[i]
		}
	}
	return nil
}

// FindFacet finds a facet definition within a cluster
func (c *ClusterConfig) FindFacet(name string) *FacetConfig {
	for i := range c.Facets {
		if c.Facets[i].Name == name {
			return &c.Facets[i]
		}
	}
	return nil
}

// SetupLogger creates a zap logger with the configured settings
func (c *Config) SetupLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}

	var zc zap.Config
	switch c.Logging.Format {
	case "json":
		zc = zap.NewProductionConfig()
	default:
		zc = zap.NewDevelopmentConfig()
		zc.Encoding = "console"
	}
	zc.Level = level

	if c.Logging.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, c.Logging.File)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return logger, nil
}
