package launch

import (
	"context"
	"time"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Launcher issues the single batch creation request for a launch set
type Launcher interface {
	// CreateInstances returns one handle per node it managed to request.
	// Handles carry the node spec they were created for.
	CreateInstances(ctx context.Context, nodes []types.NodeSpec) ([]*types.LaunchHandle, error)
}

// InstanceProvider is the per-instance part of the cloud API used by readiness pipelines
type InstanceProvider interface {
	DescribeInstance(ctx context.Context, handle *types.LaunchHandle) (types.InstanceInfo, error)
	AttachVolume(ctx context.Context, handle *types.LaunchHandle, volume types.VolumeSpec) error
}

// Cloud is everything the orchestrator needs from the compute provider
type Cloud interface {
	Launcher
	InstanceProvider
}

// SecurityGroupEnsurer makes sure the groups of a cluster slice exist before launch
type SecurityGroupEnsurer interface {
	EnsureSecurityGroups(ctx context.Context, groups []types.SecurityGroupSpec) error
}

// Bootstrapper runs the configuration-management bootstrap on a reachable node
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req types.BootstrapRequest) error
}

// Progress is one sample of how far a launch has come
type Progress struct {
	Completed int
	Total     int
	Elapsed   time.Duration
}

// ProgressReporter receives progress samples from the aggregator
type ProgressReporter interface {
	Progress(p Progress)
}

// Clock abstracts time so waits can be observed in tests
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RealClock returns the wall clock
func RealClock() Clock {
	return realClock{}
}
