package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// AttachVolume attaches an existing EBS volume and waits until EC2 reports it in use
func (c *Client) AttachVolume(ctx context.Context, handle *types.LaunchHandle, volume types.VolumeSpec) error {
	if handle.InstanceID == "" {
		return fmt.Errorf("node %s has no instance id", handle.Node.Name)
	}

	out, err := c.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(volume.Device),
		InstanceId: aws.String(handle.InstanceID),
		VolumeId:   aws.String(volume.VolumeID),
	})
	if err != nil {
		return fmt.Errorf("EC2 AttachVolume failed: %w", err)
	}

	c.logger.Debug("Volume attachment requested",
		zap.String("instance_id", handle.InstanceID),
		zap.String("volume_id", volume.VolumeID),
		zap.String("state", string(out.State)))

	waiter := ec2.NewVolumeInUseWaiter(c.ec2)
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volume.VolumeID}}, c.attachTimeout); err != nil {
		return fmt.Errorf("volume %s did not attach: %w", volume.VolumeID, err)
	}

	return nil
}
