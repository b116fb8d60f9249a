package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

type pipelineFixture struct {
	cloud        *fakeCloud
	dialer       *fakeDialer
	clock        *fakeClock
	bootstrapper *fakeBootstrapper
	pipeline     *Pipeline
}

func newPipelineFixture(t *testing.T, opts Options) *pipelineFixture {
	f := &pipelineFixture{
		cloud:        newFakeCloud(),
		dialer:       newFakeDialer(),
		clock:        &fakeClock{},
		bootstrapper: &fakeBootstrapper{failFor: map[string]bool{}, panicFor: map[string]bool{}},
	}
	logger := zaptest.NewLogger(t)
	f.pipeline = &Pipeline{
		logger:       logger,
		cloud:        f.cloud,
		prober:       NewSSHProber(logger, f.dialer, f.clock, nil, opts),
		bootstrapper: f.bootstrapper,
		clock:        f.clock,
		opts:         opts,
		cluster:      "demo",
	}
	return f
}

func (f *pipelineFixture) run(t *testing.T, node types.NodeSpec) types.PipelineResult {
	t.Helper()
	handles, err := f.cloud.CreateInstances(context.Background(), []types.NodeSpec{node})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	return f.pipeline.Run(context.Background(), handles[0])
}

func TestPipelineSucceeds(t *testing.T) {
	f := newPipelineFixture(t, testOptions())
	node := testNode("demo", "web", 0)
	f.cloud.pendingPolls[node.Name] = 2

	result := f.run(t, node)

	assert.Equal(t, types.StatusSucceeded, result.Status)
	assert.Equal(t, "i-demo-web-0", result.InstanceID)
	assert.Equal(t, types.StateRunning, result.Instance.State)
	assert.Empty(t, result.FailedStep)
	assert.Equal(t, 3, f.cloud.describes[node.Name])
	assert.Equal(t, 1, f.dialer.Attempts(hostFor(node.Name)))
	assert.Zero(t, f.bootstrapper.Calls(), "bootstrap is off by default")

	// two poll intervals then the initial SSH delay
	assert.Equal(t, []time.Duration{time.Second, time.Second, 10 * time.Second}, f.clock.Sleeps())
}

func TestPipelineAttachesVolumesInOrder(t *testing.T) {
	f := newPipelineFixture(t, testOptions())
	node := testNode("demo", "db", 1,
		types.VolumeSpec{Name: "data", VolumeID: "vol-1", Device: "/dev/sdf"},
		types.VolumeSpec{Name: "scratch", Device: "/dev/sdg"},
		types.VolumeSpec{Name: "logs", VolumeID: "vol-3", Device: "/dev/sdh"},
	)

	result := f.run(t, node)

	assert.Equal(t, types.StatusSucceeded, result.Status)
	assert.Equal(t, []string{"vol-1", "vol-3"}, f.cloud.attached[node.Name], "volumes without an id are skipped")
}

func TestPipelineStepFailures(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(f *pipelineFixture, node types.NodeSpec)
		opts         func(o *Options)
		expectStep   types.Step
		expectProbes int
	}{
		{
			name: "describe error",
			setup: func(f *pipelineFixture, node types.NodeSpec) {
				f.cloud.describeErr[node.Name] = errBoom
			},
			expectStep: types.StepInstanceReady,
		},
		{
			name: "instance terminated while booting",
			setup: func(f *pipelineFixture, node types.NodeSpec) {
				f.cloud.terminate[node.Name] = true
			},
			expectStep: types.StepInstanceReady,
		},
		{
			name: "instance stopped while booting",
			setup: func(f *pipelineFixture, node types.NodeSpec) {
				f.cloud.stateFor[node.Name] = types.StateStopped
			},
			expectStep: types.StepInstanceReady,
		},
		{
			name: "instance stopping while booting",
			setup: func(f *pipelineFixture, node types.NodeSpec) {
				f.cloud.stateFor[node.Name] = types.StateStopping
			},
			expectStep: types.StepInstanceReady,
		},
		{
			name: "volume attach error",
			setup: func(f *pipelineFixture, node types.NodeSpec) {
				f.cloud.attachErr["vol-1"] = errBoom
			},
			expectStep: types.StepVolumeAttach,
		},
		{
			name: "bootstrap error",
			setup: func(f *pipelineFixture, node types.NodeSpec) {
				f.bootstrapper.failFor[node.Name] = true
			},
			opts:         func(o *Options) { o.Bootstrap = true },
			expectStep:   types.StepConfigure,
			expectProbes: 1,
		},
		{
			name: "bootstrap panic",
			setup: func(f *pipelineFixture, node types.NodeSpec) {
				f.bootstrapper.panicFor[node.Name] = true
			},
			opts:         func(o *Options) { o.Bootstrap = true },
			expectStep:   types.StepConfigure,
			expectProbes: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			f := newPipelineFixture(t, opts)
			node := testNode("demo", "db", 0, types.VolumeSpec{Name: "data", VolumeID: "vol-1", Device: "/dev/sdf"})
			tt.setup(f, node)

			result := f.run(t, node)

			assert.Equal(t, types.StatusFailed, result.Status)
			assert.Equal(t, tt.expectStep, result.FailedStep)
			assert.NotEmpty(t, result.Error)

			var stepErr *StepError
			require.ErrorAs(t, result.Err, &stepErr)
			assert.Equal(t, node.Name, stepErr.Node)
			assert.Equal(t, tt.expectStep, stepErr.Step)

			// later steps never start
			assert.Equal(t, tt.expectProbes, f.dialer.Attempts(hostFor(node.Name)))
		})
	}
}

func TestPipelineReadyTimeout(t *testing.T) {
	opts := testOptions()
	opts.ReadyTimeout = 20 * time.Millisecond
	opts.ReadyPollInterval = time.Millisecond

	f := newPipelineFixture(t, opts)
	f.pipeline.clock = RealClock()
	node := testNode("demo", "web", 0)
	f.cloud.pendingPolls[node.Name] = 1 << 30

	result := f.run(t, node)

	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, types.StepInstanceReady, result.FailedStep)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestPipelineBootstrapRequest(t *testing.T) {
	opts := testOptions()
	opts.Bootstrap = true
	opts.BootstrapRunsInitialApply = true
	opts.Prerelease = true
	opts.SSHUser = "admin"
	opts.SSHPassword = "secret"

	f := newPipelineFixture(t, opts)
	node := testNode("demo", "web", 2)
	node.BootstrapDistro = "ubuntu10.04-gems"

	result := f.run(t, node)
	require.Equal(t, types.StatusSucceeded, result.Status)
	require.Equal(t, 1, f.bootstrapper.Calls())

	req := f.bootstrapper.requests[0]
	assert.Equal(t, hostFor(node.Name), req.Host)
	assert.Equal(t, 22, req.Port)
	assert.Equal(t, "i-demo-web-2", req.NodeName, "node registers under its instance id")
	assert.Equal(t, []string{"role[base]"}, req.RunList)
	assert.Equal(t, "admin", req.SSHUser, "flag overrides cloud user")
	assert.Equal(t, "secret", req.SSHPassword)
	assert.Equal(t, "ubuntu10.04-gems", req.Distro)
	assert.True(t, req.RunsInitialApply)
	assert.True(t, req.Prerelease)
	assert.True(t, req.UseSudo)
}

func TestPipelineRunListOverride(t *testing.T) {
	opts := testOptions()
	opts.Bootstrap = true
	opts.RunList = []string{"role[override]"}

	f := newPipelineFixture(t, opts)
	result := f.run(t, testNode("demo", "web", 0))

	require.Equal(t, types.StatusSucceeded, result.Status)
	assert.Equal(t, []string{"role[override]"}, f.bootstrapper.requests[0].RunList)
}

func TestPipelineDryRunSkipsProbe(t *testing.T) {
	opts := testOptions()
	opts.DryRun = true

	f := newPipelineFixture(t, opts)
	result := f.run(t, testNode("demo", "web", 0))

	assert.Equal(t, types.StatusSucceeded, result.Status)
	assert.Zero(t, f.dialer.Total())
}

func TestPipelineSkippedWhenCancelled(t *testing.T) {
	f := newPipelineFixture(t, testOptions())
	node := testNode("demo", "web", 0)
	handles, err := f.cloud.CreateInstances(context.Background(), []types.NodeSpec{node})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.pipeline.Run(ctx, handles[0])

	assert.Equal(t, types.StatusSkipped, result.Status)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Zero(t, f.cloud.describes[node.Name])
}
