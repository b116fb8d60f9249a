package launch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// fakeClock records requested sleeps and returns immediately
type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var (
	errRefused = &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	errTimeout = &net.OpError{Op: "dial", Net: "tcp", Err: timeoutError{}}
	errNoRoute = &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}
)

// fakeDialer replays scripted dial errors per address, then connects to a fake sshd
type fakeDialer struct {
	mu       sync.Mutex
	script   map[string][]error
	attempts map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{script: make(map[string][]error), attempts: make(map[string]int)}
}

func (d *fakeDialer) on(host string, errs ...error) *fakeDialer {
	d.script[net.JoinHostPort(host, "22")] = errs
	return d
}

func (d *fakeDialer) Attempts(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[net.JoinHostPort(host, "22")]
}

func (d *fakeDialer) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.attempts {
		n += a
	}
	return n
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	n := d.attempts[address]
	d.attempts[address]++
	script := d.script[address]
	d.mu.Unlock()

	if n < len(script) && script[n] != nil {
		return nil, script[n]
	}

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		_, _ = server.Write([]byte("SSH-2.0-OpenSSH_8.9p1 Ubuntu-3\r\n"))
	}()
	return client, nil
}

// fakeCloud simulates batch creation and per-instance polling
type fakeCloud struct {
	mu sync.Mutex

	createCalls  int
	createdNodes []types.NodeSpec
	createErr    error
	omit         map[string]bool

	pendingPolls map[string]int
	describes    map[string]int
	describeErr  map[string]error
	terminate    map[string]bool
	stateFor     map[string]string // fixed state reported for a node

	attachErr map[string]error
	attached  map[string][]string
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		omit:         make(map[string]bool),
		pendingPolls: make(map[string]int),
		describes:    make(map[string]int),
		describeErr:  make(map[string]error),
		terminate:    make(map[string]bool),
		stateFor:     make(map[string]string),
		attachErr:    make(map[string]error),
		attached:     make(map[string][]string),
	}
}

func hostFor(node string) string { return node + ".compute.example" }

func (c *fakeCloud) CreateInstances(ctx context.Context, nodes []types.NodeSpec) ([]*types.LaunchHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.createCalls++
	if c.createErr != nil {
		return nil, c.createErr
	}

	var handles []*types.LaunchHandle
	for _, node := range nodes {
		c.createdNodes = append(c.createdNodes, node)
		if c.omit[node.Name] {
			continue
		}
		id := "i-" + node.Name
		handles = append(handles, &types.LaunchHandle{
			Node:       node,
			InstanceID: id,
			Instance:   types.InstanceInfo{NodeName: node.Name, InstanceID: id, State: types.StatePending},
		})
	}
	return handles, nil
}

func (c *fakeCloud) DescribeInstance(ctx context.Context, handle *types.LaunchHandle) (types.InstanceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := handle.Node.Name
	c.describes[name]++
	if err := c.describeErr[name]; err != nil {
		return types.InstanceInfo{}, err
	}

	info := types.InstanceInfo{
		NodeName:   name,
		InstanceID: handle.InstanceID,
		Flavor:     handle.Node.Flavor,
		Image:      handle.Node.Image,
		State:      types.StatePending,
	}
	fixed, isFixed := c.stateFor[name]
	switch {
	case c.terminate[name]:
		info.State = types.StateTerminated
	case isFixed:
		info.State = fixed
	case c.describes[name] > c.pendingPolls[name]:
		info.State = types.StateRunning
		info.PublicDNS = hostFor(name)
		info.PrivateIP = "10.0.0.10"
	}
	return info, nil
}

func (c *fakeCloud) AttachVolume(ctx context.Context, handle *types.LaunchHandle, volume types.VolumeSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.attachErr[volume.VolumeID]; err != nil {
		return err
	}
	c.attached[handle.Node.Name] = append(c.attached[handle.Node.Name], volume.VolumeID)
	return nil
}

func (c *fakeCloud) CreateCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createCalls
}

// fakeBootstrapper records requests and fails for selected nodes
type fakeBootstrapper struct {
	mu       sync.Mutex
	requests []types.BootstrapRequest
	failFor  map[string]bool
	panicFor map[string]bool
}

func (b *fakeBootstrapper) Bootstrap(ctx context.Context, req types.BootstrapRequest) error {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	if b.panicFor[req.Node.Name] {
		panic("bootstrap exploded")
	}
	if b.failFor[req.Node.Name] {
		return fmt.Errorf("bootstrap script exited with status 1")
	}
	return nil
}

func (b *fakeBootstrapper) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// recordingReporter keeps every progress sample
type recordingReporter struct {
	mu      sync.Mutex
	samples []Progress
}

func (r *recordingReporter) Progress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, p)
}

func (r *recordingReporter) Samples() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.samples...)
}

type fakeGroups struct {
	ensured []types.SecurityGroupSpec
	err     error
}

func (g *fakeGroups) EnsureSecurityGroups(ctx context.Context, groups []types.SecurityGroupSpec) error {
	g.ensured = append(g.ensured, groups...)
	return g.err
}

func testNode(cluster, facet string, index int, volumes ...types.VolumeSpec) types.NodeSpec {
	return types.NodeSpec{
		Name:     types.NodeName(cluster, facet, index),
		Cluster:  cluster,
		Facet:    facet,
		Index:    index,
		Flavor:   "m5.large",
		Image:    "ami-1234",
		KeyPair:  cluster,
		SSHUser:  "ubuntu",
		RunList:  []string{"role[base]"},
		Volumes:  volumes,
		Region:   "us-east-1",
		SubnetID: "subnet-1",
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ProgressInterval = time.Millisecond
	return opts
}

var errBoom = errors.New("boom")
