// Package launch creates the missing servers of a cluster slice and drives each of them,
// concurrently and independently, until it is reachable and optionally bootstrapped.
package launch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Orchestrator runs one launch: pre-flight checks, a single batch create,
// then one readiness pipeline per created instance.
type Orchestrator struct {
	logger       *zap.Logger
	cloud        Cloud
	groups       SecurityGroupEnsurer
	bootstrapper Bootstrapper
	progress     ProgressReporter
	dialer       Dialer
	clock        Clock
	metrics      *Metrics
	onCreated    func([]types.InstanceInfo)
	opts         Options
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSecurityGroups ensures the slice's security groups before creating instances
func WithSecurityGroups(g SecurityGroupEnsurer) Option {
	return func(o *Orchestrator) { o.groups = g }
}

// WithBootstrapper sets the configuration-apply step
func WithBootstrapper(b Bootstrapper) Option {
	return func(o *Orchestrator) { o.bootstrapper = b }
}

// WithProgress sets where progress samples are sent
func WithProgress(r ProgressReporter) Option {
	return func(o *Orchestrator) { o.progress = r }
}

// WithDialer replaces the TCP dialer used by the SSH probe
func WithDialer(d Dialer) Option {
	return func(o *Orchestrator) { o.dialer = d }
}

// WithClock replaces the clock used for pipeline waits
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMetrics records launch metrics
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCreatedHook is called once, after the batch create and before any pipeline starts,
// with a snapshot of every created instance
func WithCreatedHook(fn func([]types.InstanceInfo)) Option {
	return func(o *Orchestrator) { o.onCreated = fn }
}

// New creates an orchestrator
func New(logger *zap.Logger, cloud Cloud, opts Options, options ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:   logger,
		cloud:    cloud,
		progress: nopReporter{},
		clock:    RealClock(),
		opts:     opts,
	}
	for _, option := range options {
		option(o)
	}
	return o
}

// Launch creates every uncreated node of target and waits until each has a terminal result.
//
// The returned session is nil only when pre-flight checks stop the launch. A session is
// returned with ErrNothingToLaunch when the launch set is empty and with ErrPartialFailure
// when at least one node did not succeed.
func (o *Orchestrator) Launch(ctx context.Context, target *types.Target) (*Session, error) {
	logger := o.logger.With(zap.String("cluster", target.Cluster), zap.String("facet", target.Facet))

	if err := o.checkUndefined(logger, target); err != nil {
		return nil, err
	}

	if o.groups != nil && len(target.SecurityGroups) > 0 {
		if err := o.groups.EnsureSecurityGroups(ctx, target.SecurityGroups); err != nil {
			return nil, fmt.Errorf("failed to ensure security groups: %w", err)
		}
	}

	session := newSession(target, o.clock.Now())
	logger = logger.With(zap.String("session_id", session.ID))

	if session.Total() == 0 {
		session.finish(o.clock.Now())
		logger.Info("All servers are running -- not launching any", zap.Int("created", len(target.Created)))
		return session, ErrNothingToLaunch
	}

	logger.Info("Creating instances", zap.Int("count", session.Total()), zap.Bool("dry_run", o.opts.DryRun))

	handles, err := o.cloud.CreateInstances(ctx, session.nodes)
	if err != nil {
		session.finish(o.clock.Now())
		return session, fmt.Errorf("batch create of %d instances failed: %w", session.Total(), err)
	}
	o.assignHandles(logger, session, handles)

	if o.onCreated != nil {
		o.onCreated(snapshot(session))
	}

	pipeline := &Pipeline{
		logger:       logger,
		cloud:        o.cloud,
		prober:       NewSSHProber(logger, o.dialer, o.clock, o.metrics, o.opts),
		bootstrapper: o.bootstrapper,
		clock:        o.clock,
		metrics:      o.metrics,
		opts:         o.opts,
		cluster:      target.Cluster,
	}

	var wg sync.WaitGroup
	for i, handle := range session.handles {
		if handle == nil {
			continue
		}
		wg.Add(1)
		go func(i int, handle *types.LaunchHandle) {
			defer wg.Done()
			if !session.complete(i, pipeline.Run(ctx, handle)) {
				logger.Warn("Duplicate pipeline result ignored", zap.String("node", handle.Node.Name))
			}
		}(i, handle)
	}

	watchProgress(session, o.progress, o.metrics, o.opts.ProgressInterval)
	wg.Wait()
	session.finish(o.clock.Now())

	failed := session.Failed()
	logger.Info("Launch complete",
		zap.Int("total", session.Total()),
		zap.Int("succeeded", session.Succeeded()),
		zap.Int("failed", len(failed)),
		zap.Duration("elapsed", session.Elapsed()))

	if len(failed) > 0 {
		return session, fmt.Errorf("%w: %d of %d nodes", ErrPartialFailure, len(failed), session.Total())
	}
	return session, nil
}

// checkUndefined refuses to launch next to servers in an undefined state unless forced
func (o *Orchestrator) checkUndefined(logger *zap.Logger, target *types.Target) error {
	if len(target.Undefined) == 0 {
		return nil
	}

	for _, u := range target.Undefined {
		logger.Warn("Undefined server",
			zap.String("node", u.Instance.NodeName),
			zap.String("instance_id", u.Instance.InstanceID),
			zap.String("state", u.Instance.State),
			zap.String("reason", u.Reason))
	}

	if !o.opts.Force {
		logger.Error("Not launching while servers are in an undefined state; wait for them to settle, terminate them, or pass --force",
			zap.Int("undefined", len(target.Undefined)))
		return fmt.Errorf("%w: %d servers", ErrUnsafeClusterState, len(target.Undefined))
	}

	logger.Warn("Launching anyway because --force was given", zap.Int("undefined", len(target.Undefined)))
	return nil
}

// assignHandles matches returned handles to launch-set positions by node name.
// Nodes the provider returned no handle for fail at the create step.
func (o *Orchestrator) assignHandles(logger *zap.Logger, s *Session, handles []*types.LaunchHandle) {
	index := make(map[string]int, len(s.nodes))
	for i, node := range s.nodes {
		index[node.Name] = i
	}

	for _, h := range handles {
		if h == nil {
			continue
		}
		i, ok := index[h.Node.Name]
		if !ok {
			logger.Warn("Provider returned an instance for an unrequested node",
				zap.String("node", h.Node.Name),
				zap.String("instance_id", h.InstanceID))
			continue
		}
		if s.handles[i] != nil {
			logger.Warn("Provider returned more than one instance for a node",
				zap.String("node", h.Node.Name),
				zap.String("instance_id", h.InstanceID))
			continue
		}
		s.handles[i] = h
	}

	for i, node := range s.nodes {
		if s.handles[i] != nil {
			continue
		}
		err := &StepError{Node: node.Name, Step: types.StepCreate, Err: errors.New("provider returned no instance")}
		result := types.Failed(node.Name, types.InstanceInfo{NodeName: node.Name}, types.StepCreate, err, 0)
		s.complete(i, result)
		o.metrics.recordResult(s.Cluster, node, result)
		logger.Error("Node was not created", zap.String("node", node.Name))
	}
}

func snapshot(s *Session) []types.InstanceInfo {
	infos := make([]types.InstanceInfo, 0, len(s.handles))
	for i, h := range s.handles {
		if h == nil {
			infos = append(infos, types.InstanceInfo{NodeName: s.nodes[i].Name})
			continue
		}
		info := h.Instance
		info.InstanceID = h.InstanceID
		info.NodeName = firstNonEmpty(info.NodeName, h.Node.Name)
		info.Flavor = firstNonEmpty(info.Flavor, h.Node.Flavor)
		info.Image = firstNonEmpty(info.Image, h.Node.Image)
		info.AvailabilityZone = firstNonEmpty(info.AvailabilityZone, h.Node.AvailabilityZone)
		info.KeyName = firstNonEmpty(info.KeyName, h.Node.KeyPair)
		infos = append(infos, info)
	}
	return infos
}
