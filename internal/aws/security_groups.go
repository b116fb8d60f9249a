package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// EnsureSecurityGroups creates missing groups and opens SSH where requested.
// Resolved group ids are remembered for later RunInstances calls.
func (c *Client) EnsureSecurityGroups(ctx context.Context, groups []types.SecurityGroupSpec) error {
	for _, group := range groups {
		id, created, err := c.ensureGroup(ctx, group)
		if err != nil {
			return err
		}
		c.setGroupID(group.Name, id)

		if group.SSHIngress {
			if err := c.authorizeSSH(ctx, group.Name, id); err != nil {
				return err
			}
		}

		if created {
			c.logger.Info("Created security group", zap.String("group", group.Name), zap.String("group_id", id))
		}
	}
	return nil
}

func (c *Client) ensureGroup(ctx context.Context, group types.SecurityGroupSpec) (string, bool, error) {
	out, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{group.Name}},
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to describe security group %s: %w", group.Name, err)
	}
	for _, sg := range out.SecurityGroups {
		if aws.ToString(sg.GroupName) == group.Name {
			return aws.ToString(sg.GroupId), false, nil
		}
	}

	description := group.Description
	if description == "" {
		description = group.Name
	}
	created, err := c.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(group.Name),
		Description: aws.String(description),
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to create security group %s: %w", group.Name, err)
	}
	return aws.ToString(created.GroupId), true, nil
}

func (c *Client) authorizeSSH(ctx context.Context, name, id string) error {
	_, err := c.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(id),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(int32(c.sshPort)),
			ToPort:     aws.Int32(int32(c.sshPort)),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0"), Description: aws.String("ssh")}},
		}},
	})
	if err != nil && apiErrorCode(err) != "InvalidPermission.Duplicate" {
		return fmt.Errorf("failed to open ssh on security group %s: %w", name, err)
	}
	return nil
}
