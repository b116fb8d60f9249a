package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// launchGroup is a run of nodes that can share one RunInstances request
type launchGroup struct {
	signature string
	nodes     []types.NodeSpec
}

// CreateInstances requests instances for every node. Nodes with identical placement
// share one RunInstances call. A failed call only loses the nodes of its group unless
// every call failed.
func (c *Client) CreateInstances(ctx context.Context, nodes []types.NodeSpec) ([]*types.LaunchHandle, error) {
	var (
		handles []*types.LaunchHandle
		errs    []error
	)

	for _, group := range groupNodes(nodes) {
		created, err := c.runGroup(ctx, group)
		if err != nil {
			c.logger.Error("RunInstances failed",
				zap.Int("count", len(group.nodes)),
				zap.String("flavor", group.nodes[0].Flavor),
				zap.String("image", group.nodes[0].Image),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		handles = append(handles, created...)
	}

	if len(handles) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	c.tagInstances(ctx, handles)

	return handles, nil
}

func (c *Client) runGroup(ctx context.Context, group launchGroup) ([]*types.LaunchHandle, error) {
	first := group.nodes[0]
	count := int32(len(group.nodes))

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(first.Image),
		InstanceType: ec2types.InstanceType(first.Flavor),
		MinCount:     aws.Int32(count),
		MaxCount:     aws.Int32(count),
		ClientToken:  aws.String(c.clientToken()),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: toEC2Tags(map[string]string{
				types.TagCluster:   first.Cluster,
				types.TagFacet:     first.Facet,
				types.TagManagedBy: types.ManagedByValue,
			}),
		}},
	}
	if first.KeyPair != "" {
		input.KeyName = aws.String(first.KeyPair)
	}
	if first.AvailabilityZone != "" {
		input.Placement = &ec2types.Placement{AvailabilityZone: aws.String(first.AvailabilityZone)}
	}
	if first.SubnetID != "" {
		input.SubnetId = aws.String(first.SubnetID)
	}
	for _, name := range first.SecurityGroups {
		if id, ok := c.groupID(name); ok {
			input.SecurityGroupIds = append(input.SecurityGroupIds, id)
		} else {
			input.SecurityGroups = append(input.SecurityGroups, name)
		}
	}

	c.logger.Info("Requesting instances",
		zap.Int("count", int(count)),
		zap.String("flavor", first.Flavor),
		zap.String("image", first.Image),
		zap.String("availability_zone", first.AvailabilityZone))

	out, err := c.ec2.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("EC2 RunInstances failed: %w", err)
	}

	if len(out.Instances) < len(group.nodes) {
		c.logger.Warn("EC2 returned fewer instances than requested",
			zap.Int("requested", len(group.nodes)),
			zap.Int("returned", len(out.Instances)))
	}

	var handles []*types.LaunchHandle
	for i, instance := range out.Instances {
		if i >= len(group.nodes) {
			break
		}
		node := group.nodes[i]
		info := toInstanceInfo(instance)
		info.NodeName = node.Name

		handle := &types.LaunchHandle{Node: node}
		handle.Update(info)
		handles = append(handles, handle)

		c.logger.Debug("Instance mapped to node",
			zap.String("node", node.Name),
			zap.String("instance_id", handle.InstanceID))
	}
	return handles, nil
}

// tagInstances writes the per-node identity tags. EC2 may not know a new instance id
// yet, so InvalidInstanceID.NotFound is retried. Other failures are logged, not returned.
func (c *Client) tagInstances(ctx context.Context, handles []*types.LaunchHandle) {
	for _, h := range handles {
		if h.InstanceID == "" {
			continue
		}
		if err := c.tagInstance(ctx, h); err != nil {
			c.logger.Warn("Failed to tag instance",
				zap.String("node", h.Node.Name),
				zap.String("instance_id", h.InstanceID),
				zap.Error(err))
		}
	}
}

func (c *Client) tagInstance(ctx context.Context, h *types.LaunchHandle) error {
	input := &ec2.CreateTagsInput{
		Resources: []string{h.InstanceID},
		Tags:      toEC2Tags(h.Node.Tags()),
	}

	delay := c.tagRetryDelay
	for attempt := 1; ; attempt++ {
		_, err := c.ec2.CreateTags(ctx, input)
		if err == nil {
			return nil
		}
		if apiErrorCode(err) != "InvalidInstanceID.NotFound" || attempt >= c.tagAttempts {
			return fmt.Errorf("EC2 CreateTags failed after %d attempts: %w", attempt, err)
		}

		c.logger.Debug("Instance not visible yet, retrying tags",
			zap.String("instance_id", h.InstanceID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// DescribeInstance returns the current state of a launched instance.
// An instance EC2 does not know about yet is reported as pending.
func (c *Client) DescribeInstance(ctx context.Context, handle *types.LaunchHandle) (types.InstanceInfo, error) {
	if handle.InstanceID == "" {
		return types.InstanceInfo{}, fmt.Errorf("node %s has no instance id", handle.Node.Name)
	}

	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle.InstanceID},
	})
	if err != nil {
		if apiErrorCode(err) == "InvalidInstanceID.NotFound" {
			return types.InstanceInfo{NodeName: handle.Node.Name, InstanceID: handle.InstanceID, State: types.StatePending}, nil
		}
		return types.InstanceInfo{}, fmt.Errorf("failed to describe instance %s: %w", handle.InstanceID, err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) != handle.InstanceID {
				continue
			}
			info := toInstanceInfo(instance)
			if info.NodeName == "" {
				info.NodeName = handle.Node.Name
			}
			return info, nil
		}
	}

	return types.InstanceInfo{NodeName: handle.Node.Name, InstanceID: handle.InstanceID, State: types.StatePending}, nil
}

// ListInstances returns every instance tagged with the cluster, in any state
func (c *Client) ListInstances(ctx context.Context, cluster string) ([]types.InstanceInfo, error) {
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("tag:" + types.TagCluster),
				Values: []string{cluster},
			},
		},
	})

	var instances []types.InstanceInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				instances = append(instances, toInstanceInfo(instance))
			}
		}
	}

	c.logger.Debug("Listed cluster instances", zap.String("cluster", cluster), zap.Int("count", len(instances)))
	return instances, nil
}

func toInstanceInfo(instance ec2types.Instance) types.InstanceInfo {
	info := types.InstanceInfo{
		InstanceID: aws.ToString(instance.InstanceId),
		Flavor:     string(instance.InstanceType),
		Image:      aws.ToString(instance.ImageId),
		KeyName:    aws.ToString(instance.KeyName),
		PublicDNS:  aws.ToString(instance.PublicDnsName),
		PublicIP:   aws.ToString(instance.PublicIpAddress),
		PrivateIP:  aws.ToString(instance.PrivateIpAddress),
		Tags:       make(map[string]string, len(instance.Tags)),
	}
	if instance.State != nil {
		info.State = string(instance.State.Name)
	}
	if instance.Placement != nil {
		info.AvailabilityZone = aws.ToString(instance.Placement.AvailabilityZone)
	}
	if instance.LaunchTime != nil {
		info.LaunchTime = *instance.LaunchTime
	}
	for _, tag := range instance.Tags {
		info.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	info.NodeName = info.Tags[types.TagName]
	return info
}

func toEC2Tags(tags map[string]string) []ec2types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// groupNodes batches nodes by launch signature, keeping first-seen order
func groupNodes(nodes []types.NodeSpec) []launchGroup {
	var groups []launchGroup
	index := make(map[string]int)
	for _, node := range nodes {
		sig := launchSignature(node)
		i, ok := index[sig]
		if !ok {
			i = len(groups)
			index[sig] = i
			groups = append(groups, launchGroup{signature: sig})
		}
		groups[i].nodes = append(groups[i].nodes, node)
	}
	return groups
}

func launchSignature(n types.NodeSpec) string {
	return strings.Join([]string{
		n.Facet, n.Image, n.Flavor, n.AvailabilityZone, n.KeyPair, n.SubnetID, strings.Join(n.SecurityGroups, ","),
	}, "|")
}
