package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/internal/config"
)

// AuthenticationMethod represents different AWS authentication approaches
type AuthenticationMethod string

const (
	AuthMethodDefault         AuthenticationMethod = "default"          // Default credential chain
	AuthMethodInstanceProfile AuthenticationMethod = "instance_profile" // EC2 instance profile
	AuthMethodAssumeRole      AuthenticationMethod = "assume_role"      // STS AssumeRole
	AuthMethodSSO             AuthenticationMethod = "sso"              // AWS IAM Identity Center
	AuthMethodWebIdentity     AuthenticationMethod = "web_identity"     // Web Identity Federation
	AuthMethodCrossAccount    AuthenticationMethod = "cross_account"    // Cross-account role assumption
	AuthMethodProfile         AuthenticationMethod = "profile"          // Named AWS profile
	AuthMethodAccessKeys      AuthenticationMethod = "access_keys"      // Static access keys (DISCOURAGED)
)

// AuthenticationProvider handles various AWS authentication methods
type AuthenticationProvider struct {
	logger *zap.Logger
	config *config.AWSConfig
}

// NewAuthenticationProvider creates a new authentication provider
func NewAuthenticationProvider(logger *zap.Logger, awsConfig *config.AWSConfig) *AuthenticationProvider {
	return &AuthenticationProvider{
		logger: logger,
		config: awsConfig,
	}
}

// Method returns the configured authentication method, defaulting to the credential chain
func (a *AuthenticationProvider) Method() AuthenticationMethod {
	if a.config.AuthenticationMethod == "" {
		return AuthMethodDefault
	}
	return AuthenticationMethod(a.config.AuthenticationMethod)
}

// GetAWSConfig returns an AWS config with the specified authentication method
func (a *AuthenticationProvider) GetAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	a.logger.Debug("Configuring AWS authentication",
		zap.String("method", string(a.Method())),
		zap.String("region", region))

	switch a.Method() {
	case AuthMethodInstanceProfile:
		return a.getInstanceProfileConfig(ctx, region)
	case AuthMethodAssumeRole:
		return a.getAssumeRoleConfig(ctx, region)
	case AuthMethodSSO:
		return a.getSSOConfig(ctx, region)
	case AuthMethodWebIdentity:
		return a.getWebIdentityConfig(ctx, region)
	case AuthMethodCrossAccount:
		return a.getCrossAccountConfig(ctx, region)
	case AuthMethodProfile:
		return a.getProfileConfig(ctx, region)
	case AuthMethodAccessKeys:
		return a.getAccessKeysConfig(ctx, region)
	case AuthMethodDefault:
		return a.getDefaultConfig(ctx, region)
	default:
		return aws.Config{}, fmt.Errorf("unsupported authentication method: %s", a.config.AuthenticationMethod)
	}
}

// loadOptions returns the options every method shares: region and retry behaviour
func (a *AuthenticationProvider) loadOptions(region string, extra ...func(*awsconfig.LoadOptions) error) []func(*awsconfig.LoadOptions) error {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if a.config.RetryMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(a.config.RetryMaxAttempts))
	}
	if a.config.RetryMode != "" {
		opts = append(opts, awsconfig.WithRetryMode(aws.RetryMode(a.config.RetryMode)))
	}
	return append(opts, extra...)
}

// getInstanceProfileConfig uses EC2 instance profile for authentication
func (a *AuthenticationProvider) getInstanceProfileConfig(ctx context.Context, region string) (aws.Config, error) {
	a.logger.Info("Using EC2 instance profile authentication")

	cfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region, awsconfig.WithEC2IMDSRegion())...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load instance profile config: %w", err)
	}

	if err := a.validateCredentials(ctx, cfg); err != nil {
		return aws.Config{}, fmt.Errorf("instance profile validation failed: %w", err)
	}

	return cfg, nil
}

// getAssumeRoleConfig uses STS AssumeRole for authentication
func (a *AuthenticationProvider) getAssumeRoleConfig(ctx context.Context, region string) (aws.Config, error) {
	role := a.config.AssumeRole
	if role == nil {
		return aws.Config{}, fmt.Errorf("assume_role configuration required")
	}

	a.logger.Info("Using STS AssumeRole authentication",
		zap.String("role_arn", role.RoleARN),
		zap.String("session_name", role.SessionName))

	baseCfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region)...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load base config: %w", err)
	}

	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(baseCfg), role.RoleARN, func(options *stscreds.AssumeRoleOptions) {
		options.RoleSessionName = sessionName(role.SessionName)
		if role.DurationSeconds > 0 {
			options.Duration = time.Duration(role.DurationSeconds) * time.Second
		}
		if role.ExternalID != "" {
			options.ExternalID = aws.String(role.ExternalID)
		}
	})

	cfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region,
		awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(provider)))...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to configure assume role: %w", err)
	}

	return cfg, nil
}

// getSSOConfig uses AWS IAM Identity Center (SSO) for authentication
func (a *AuthenticationProvider) getSSOConfig(ctx context.Context, region string) (aws.Config, error) {
	if a.config.SSO == nil {
		return aws.Config{}, fmt.Errorf("sso configuration required")
	}

	a.logger.Info("Using AWS IAM Identity Center (SSO) authentication",
		zap.String("profile", a.config.SSO.ProfileName))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region,
		awsconfig.WithSharedConfigProfile(a.config.SSO.ProfileName))...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load SSO config: %w", err)
	}

	return cfg, nil
}

// getWebIdentityConfig uses Web Identity Federation
func (a *AuthenticationProvider) getWebIdentityConfig(ctx context.Context, region string) (aws.Config, error) {
	web := a.config.WebIdentity
	if web == nil {
		return aws.Config{}, fmt.Errorf("web_identity configuration required")
	}

	a.logger.Info("Using Web Identity Federation authentication",
		zap.String("role_arn", web.RoleARN),
		zap.String("token_file", web.TokenFile))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region,
		awsconfig.WithWebIdentityRoleCredentialOptions(func(options *stscreds.WebIdentityRoleOptions) {
			options.RoleARN = web.RoleARN
			options.TokenRetriever = stscreds.IdentityTokenFile(web.TokenFile)
			options.RoleSessionName = sessionName(web.SessionName)
		}))...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to configure web identity: %w", err)
	}

	return cfg, nil
}

// getCrossAccountConfig uses cross-account role assumption
func (a *AuthenticationProvider) getCrossAccountConfig(ctx context.Context, region string) (aws.Config, error) {
	cross := a.config.CrossAccount
	if cross == nil {
		return aws.Config{}, fmt.Errorf("cross_account configuration required")
	}

	a.logger.Info("Using cross-account role assumption",
		zap.String("source_profile", cross.SourceProfile),
		zap.String("target_role", cross.TargetRoleARN))

	sourceCfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region,
		awsconfig.WithSharedConfigProfile(cross.SourceProfile))...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load source profile: %w", err)
	}

	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(sourceCfg), cross.TargetRoleARN, func(options *stscreds.AssumeRoleOptions) {
		options.RoleSessionName = sessionName(cross.SessionName)
		if cross.ExternalID != "" {
			options.ExternalID = aws.String(cross.ExternalID)
		}
	})

	cfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region,
		awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(provider)))...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to configure cross-account role: %w", err)
	}

	return cfg, nil
}

// getProfileConfig uses named AWS profile
func (a *AuthenticationProvider) getProfileConfig(ctx context.Context, region string) (aws.Config, error) {
	profile := a.config.Profile
	if profile == "" {
		profile = "default"
	}

	a.logger.Info("Using AWS profile authentication", zap.String("profile", profile))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region, awsconfig.WithSharedConfigProfile(profile))...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load profile config: %w", err)
	}

	return cfg, nil
}

// getAccessKeysConfig uses static access keys (DISCOURAGED)
func (a *AuthenticationProvider) getAccessKeysConfig(ctx context.Context, region string) (aws.Config, error) {
	keys := a.config.AccessKeys
	if keys == nil {
		return aws.Config{}, fmt.Errorf("access_keys configuration required")
	}

	a.logger.Warn("Using static access keys",
		zap.String("recommendation", "Use instance_profile, assume_role, or sso instead"))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			keys.AccessKeyID, keys.SecretAccessKey, keys.SessionToken)))...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to configure access keys: %w", err)
	}

	if err := a.validateCredentials(ctx, cfg); err != nil {
		return aws.Config{}, fmt.Errorf("access key validation failed: %w", err)
	}

	return cfg, nil
}

// getDefaultConfig uses default AWS credential chain, honouring a configured profile
func (a *AuthenticationProvider) getDefaultConfig(ctx context.Context, region string) (aws.Config, error) {
	var extra []func(*awsconfig.LoadOptions) error
	if a.config.Profile != "" {
		extra = append(extra, awsconfig.WithSharedConfigProfile(a.config.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, a.loadOptions(region, extra...)...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load default config: %w", err)
	}

	return cfg, nil
}

// validateCredentials validates that credentials work
func (a *AuthenticationProvider) validateCredentials(ctx context.Context, cfg aws.Config) error {
	info, err := a.GetCredentialInfo(ctx, cfg)
	if err != nil {
		return err
	}

	a.logger.Info("AWS credentials validated",
		zap.String("account", info.Account),
		zap.String("arn", info.ARN))

	return nil
}

// GetCredentialInfo returns information about current credentials
func (a *AuthenticationProvider) GetCredentialInfo(ctx context.Context, cfg aws.Config) (*CredentialInfo, error) {
	result, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get credential info: %w", err)
	}

	return &CredentialInfo{
		Account:     aws.ToString(result.Account),
		ARN:         aws.ToString(result.Arn),
		UserID:      aws.ToString(result.UserId),
		Method:      string(a.Method()),
		ValidatedAt: time.Now(),
	}, nil
}

// CredentialInfo contains information about current AWS credentials
type CredentialInfo struct {
	Account     string    `json:"account"`
	ARN         string    `json:"arn"`
	UserID      string    `json:"user_id"`
	Method      string    `json:"method"`
	ValidatedAt time.Time `json:"validated_at"`
}

func sessionName(name string) string {
	if name == "" {
		return "aws-cluster-launch"
	}
	return name
}
