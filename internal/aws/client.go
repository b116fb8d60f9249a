package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/internal/config"
)

// EC2API is the part of the EC2 API the launcher uses
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
}

// Client provides EC2 instance, volume and security group operations for cluster launches
type Client struct {
	logger        *zap.Logger
	ec2           EC2API
	region        string
	sshPort       int
	attachTimeout time.Duration
	clientToken   func() string
	tagAttempts   int
	tagRetryDelay time.Duration

	mu       sync.Mutex
	groupIDs map[string]string // security group name to id, filled by EnsureSecurityGroups
}

// NewClient creates a new AWS client using the configured authentication method
func NewClient(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Client, error) {
	auth := NewAuthenticationProvider(logger, &cfg.AWS)
	awsCfg, err := auth.GetAWSConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewClientWithAPI(logger, ec2.NewFromConfig(awsCfg), cfg.AWS.Region, cfg.Launch), nil
}

// NewClientWithAPI creates a client around an existing EC2 API implementation
func NewClientWithAPI(logger *zap.Logger, api EC2API, region string, launch config.LaunchConfig) *Client {
	attachTimeout := launch.AttachTimeout
	if attachTimeout <= 0 {
		attachTimeout = 5 * time.Minute
	}
	sshPort := launch.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}

	return &Client{
		logger:        logger,
		ec2:           api,
		region:        region,
		sshPort:       sshPort,
		attachTimeout: attachTimeout,
		clientToken:   uuid.NewString,
		tagAttempts:   5,
		tagRetryDelay: time.Second,
		groupIDs:      make(map[string]string),
	}
}

// Region returns the region the client operates in
func (c *Client) Region() string {
	return c.region
}

func (c *Client) groupID(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.groupIDs[name]
	return id, ok
}

func (c *Client) setGroupID(name, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groupIDs[name] = id
}

// apiErrorCode returns the service error code of err, or "" if err is not an API error
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
