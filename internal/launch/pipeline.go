package launch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Pipeline drives one created instance through the readiness steps:
// instance-ready, volume-attach, network-probe and configure.
// Each step starts only after the previous one succeeded; the first failure ends the pipeline.
type Pipeline struct {
	logger       *zap.Logger
	cloud        InstanceProvider
	prober       *SSHProber
	bootstrapper Bootstrapper
	clock        Clock
	metrics      *Metrics
	opts         Options
	cluster      string
}

// Run executes the pipeline for handle and always returns a terminal result
func (p *Pipeline) Run(ctx context.Context, handle *types.LaunchHandle) (result types.PipelineResult) {
	node := handle.Node
	logger := p.logger.With(zap.String("node", node.Name))

	if err := ctx.Err(); err != nil {
		logger.Warn("Launch cancelled before pipeline started", zap.Error(err))
		result = types.Skipped(node.Name, err)
		result.InstanceID = handle.InstanceID
		p.metrics.recordResult(p.cluster, node, result)
		return result
	}

	start := p.clock.Now()
	step := types.StepInstanceReady

	defer func() {
		if r := recover(); r != nil {
			result = p.fail(logger, handle, step, fmt.Errorf("panic: %v", r), start)
		}
	}()

	if err := p.timed(step, func() error { return p.waitReady(ctx, logger, handle) }); err != nil {
		return p.fail(logger, handle, step, err, start)
	}
	logger.Info("Instance is running",
		zap.String("instance_id", handle.InstanceID),
		zap.String("host", handle.Host()))

	step = types.StepVolumeAttach
	if err := p.timed(step, func() error { return p.attachVolumes(ctx, logger, handle) }); err != nil {
		return p.fail(logger, handle, step, err, start)
	}

	step = types.StepNetworkProbe
	if p.opts.DryRun {
		logger.Debug("Dry run, skipping SSH probe")
	} else if err := p.timed(step, func() error {
		_, err := p.prober.Wait(ctx, handle.Host())
		return err
	}); err != nil {
		return p.fail(logger, handle, step, err, start)
	}

	step = types.StepConfigure
	if p.opts.Bootstrap {
		if p.bootstrapper == nil {
			return p.fail(logger, handle, step, fmt.Errorf("bootstrap requested but no bootstrapper configured"), start)
		}
		if err := p.timed(step, func() error { return p.bootstrapper.Bootstrap(ctx, p.bootstrapRequest(handle)) }); err != nil {
			return p.fail(logger, handle, step, err, start)
		}
		logger.Info("Bootstrap complete", zap.String("instance_id", handle.InstanceID))
	}

	result = types.Succeeded(node.Name, handle.Instance, p.clock.Now().Sub(start))
	p.metrics.recordResult(p.cluster, node, result)
	logger.Info("Node ready",
		zap.String("instance_id", handle.InstanceID),
		zap.Duration("duration", result.Duration))
	return result
}

// waitReady polls the provider until the instance reports running
func (p *Pipeline) waitReady(ctx context.Context, logger *zap.Logger, handle *types.LaunchHandle) error {
	if p.opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ReadyTimeout)
		defer cancel()
	}

	for {
		info, err := p.cloud.DescribeInstance(ctx, handle)
		if err != nil {
			return fmt.Errorf("failed to describe instance: %w", err)
		}
		handle.Update(info)

		if handle.Ready {
			return nil
		}
		if info.IsGone() || info.IsHalting() {
			return fmt.Errorf("instance %s entered state %q while waiting to become ready", handle.InstanceID, info.State)
		}

		logger.Debug("Waiting for instance", zap.String("instance_id", handle.InstanceID), zap.String("state", info.State))

		if err := p.clock.Sleep(ctx, p.opts.ReadyPollInterval); err != nil {
			return fmt.Errorf("instance %s not ready: %w", handle.InstanceID, err)
		}
	}
}

// attachVolumes attaches every configured volume in definition order
func (p *Pipeline) attachVolumes(ctx context.Context, logger *zap.Logger, handle *types.LaunchHandle) error {
	for _, volume := range handle.Node.Volumes {
		if volume.VolumeID == "" {
			continue
		}
		if err := p.cloud.AttachVolume(ctx, handle, volume); err != nil {
			return fmt.Errorf("failed to attach volume %s (%s) at %s: %w", volume.Name, volume.VolumeID, volume.Device, err)
		}
		logger.Info("Attached volume",
			zap.String("volume", volume.Name),
			zap.String("volume_id", volume.VolumeID),
			zap.String("device", volume.Device))
	}
	return nil
}

func (p *Pipeline) bootstrapRequest(handle *types.LaunchHandle) types.BootstrapRequest {
	node := handle.Node
	runList := p.opts.RunList
	if len(runList) == 0 {
		runList = node.RunList
	}

	return types.BootstrapRequest{
		Node:             node,
		Host:             handle.Host(),
		Port:             p.opts.SSHPort,
		NodeName:         firstNonEmpty(p.opts.NodeName, handle.InstanceID, node.Name),
		InstanceID:       handle.InstanceID,
		RunList:          runList,
		SSHUser:          firstNonEmpty(p.opts.SSHUser, node.SSHUser),
		IdentityFile:     firstNonEmpty(p.opts.IdentityFile, node.IdentityFile),
		SSHPassword:      p.opts.SSHPassword,
		UseSudo:          p.opts.UseSudo,
		Distro:           firstNonEmpty(p.opts.Distro, node.BootstrapDistro),
		TemplateFile:     p.opts.TemplateFile,
		Prerelease:       p.opts.Prerelease,
		RunsInitialApply: p.opts.BootstrapRunsInitialApply,
	}
}

func (p *Pipeline) timed(step types.Step, fn func() error) error {
	start := p.clock.Now()
	err := fn()
	p.metrics.recordStep(step, p.clock.Now().Sub(start))
	return err
}

func (p *Pipeline) fail(logger *zap.Logger, handle *types.LaunchHandle, step types.Step, err error, start time.Time) types.PipelineResult {
	stepErr := &StepError{Node: handle.Node.Name, InstanceID: handle.InstanceID, Step: step, Err: err}
	result := types.Failed(handle.Node.Name, handle.Instance, step, stepErr, p.clock.Now().Sub(start))
	if result.InstanceID == "" {
		result.InstanceID = handle.InstanceID
	}
	p.metrics.recordResult(p.cluster, handle.Node, result)
	logger.Error("Node launch failed",
		zap.String("instance_id", handle.InstanceID),
		zap.String("step", string(step)),
		zap.Error(err))
	return result
}
