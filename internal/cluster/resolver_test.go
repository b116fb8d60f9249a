package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scttfrdmn/aws-cluster-launch/internal/config"
	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

type staticInventory struct {
	instances []types.InstanceInfo
	err       error
	asked     []string
}

func (s *staticInventory) ListInstances(ctx context.Context, cluster string) ([]types.InstanceInfo, error) {
	s.asked = append(s.asked, cluster)
	return s.instances, s.err
}

func testConfig() *config.Config {
	return &config.Config{
		AWS: config.AWSConfig{Region: "us-east-1"},
		Bootstrap: config.BootstrapConfig{
			SSHUser: "ubuntu",
			Distro:  "ubuntu10.04-gems",
			RunList: []string{"role[fallback]"},
		},
		Clusters: []config.ClusterConfig{
			{
				Name: "gibbon",
				Cloud: config.CloudConfig{
					AvailabilityZone: "us-east-1d",
					Flavor:           "m1.large",
					Image:            "ami-0123",
					SecurityGroups:   []string{"ssh"},
				},
				RunList: []string{"role[base]"},
				Facets: []config.FacetConfig{
					{
						Name:      "cassandra",
						Instances: 3,
						Cloud:     config.CloudConfig{Flavor: "m1.xlarge", SSHUser: "ec2-user", SecurityGroups: []string{"ssh", "cassandra"}},
						RunList:   []string{"role[base]", "role[cassandra_node]"},
						Volumes: []config.VolumeConfig{
							{Name: "data", Device: "/dev/sdi", MountPoint: "/data", VolumeIDs: []string{"vol-a", "vol-b"}},
						},
					},
					{Name: "master", Instances: 1},
				},
			},
		},
	}
}

func instance(name, facet, state string, launched time.Time) types.InstanceInfo {
	return types.InstanceInfo{
		NodeName:   name,
		InstanceID: "i-" + name + "-" + state,
		State:      state,
		LaunchTime: launched,
		Tags:       map[string]string{types.TagCluster: "gibbon", types.TagFacet: facet, types.TagName: name},
	}
}

func TestNodesMergeCloudSettings(t *testing.T) {
	r := NewResolver(testConfig(), &staticInventory{}, zaptest.NewLogger(t))

	nodes, err := r.Nodes("gibbon", "")
	require.NoError(t, err)
	require.Len(t, nodes, 4)

	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	assert.Equal(t, []string{"gibbon-cassandra-0", "gibbon-cassandra-1", "gibbon-cassandra-2", "gibbon-master-0"}, names)

	c0 := nodes[0]
	assert.Equal(t, "m1.xlarge", c0.Flavor, "facet overrides cluster")
	assert.Equal(t, "ami-0123", c0.Image, "cluster fills gaps")
	assert.Equal(t, "us-east-1", c0.Region)
	assert.Equal(t, "us-east-1d", c0.AvailabilityZone)
	assert.Equal(t, "gibbon", c0.KeyPair, "key pair defaults to the cluster name")
	assert.Equal(t, "ec2-user", c0.SSHUser)
	assert.Equal(t, "ubuntu10.04-gems", c0.BootstrapDistro)
	assert.Equal(t, []string{"gibbon", "gibbon-cassandra", "ssh", "cassandra"}, c0.SecurityGroups)
	assert.Equal(t, []string{"role[base]", "role[cassandra_node]"}, c0.RunList)

	require.Len(t, c0.Volumes, 1)
	assert.Equal(t, "vol-a", c0.Volumes[0].VolumeID)
	assert.Equal(t, "vol-b", nodes[1].Volumes[0].VolumeID)
	assert.Empty(t, nodes[2].Volumes[0].VolumeID, "no volume id configured for index 2")

	master := nodes[3]
	assert.Equal(t, "m1.large", master.Flavor)
	assert.Equal(t, "ubuntu", master.SSHUser, "bootstrap default user")
	assert.Equal(t, []string{"role[base]"}, master.RunList)
}

func TestNodesRunListFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Clusters[0].RunList = nil

	nodes, err := NewResolver(cfg, &staticInventory{}, zaptest.NewLogger(t)).Nodes("gibbon", "master")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, []string{"role[fallback]"}, nodes[0].RunList)
}

func TestNodesUnknownSlice(t *testing.T) {
	r := NewResolver(testConfig(), &staticInventory{}, zaptest.NewLogger(t))

	_, err := r.Nodes("howler", "")
	assert.Error(t, err)

	_, err = r.Nodes("gibbon", "zookeeper")
	assert.Error(t, err)
}

func TestSecurityGroups(t *testing.T) {
	r := NewResolver(testConfig(), &staticInventory{}, zaptest.NewLogger(t))

	groups, err := r.SecurityGroups("gibbon", "")
	require.NoError(t, err)

	var names []string
	for _, g := range groups {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"gibbon", "gibbon-cassandra", "ssh", "cassandra", "gibbon-master"}, names)
	assert.True(t, groups[0].SSHIngress)
}

func TestResolvePartitionsSlice(t *testing.T) {
	now := time.Now()
	inventory := &staticInventory{instances: []types.InstanceInfo{
		instance("gibbon-cassandra-0", "cassandra", types.StateRunning, now.Add(-time.Hour)),
		instance("gibbon-cassandra-1", "cassandra", types.StateTerminated, now.Add(-time.Hour)),
		instance("gibbon-cassandra-2", "cassandra", types.StatePending, now),
		instance("gibbon-master-0", "master", types.StateRunning, now),
	}}
	r := NewResolver(testConfig(), inventory, zaptest.NewLogger(t))

	target, err := r.Resolve(context.Background(), "gibbon", "cassandra")
	require.NoError(t, err)

	assert.Equal(t, []string{"gibbon"}, inventory.asked)
	assert.Equal(t, "cassandra", target.Facet)

	require.Len(t, target.Created, 1)
	assert.Equal(t, "gibbon-cassandra-0", target.Created[0].Spec.Name)

	require.Len(t, target.Uncreated, 1, "terminated instances do not count")
	assert.Equal(t, "gibbon-cassandra-1", target.Uncreated[0].Name)

	require.Len(t, target.Undefined, 1)
	assert.Equal(t, types.ReasonTransitional, target.Undefined[0].Reason)
	assert.Equal(t, 3, target.NodeCount()+len(target.Undefined))
	assert.NotEmpty(t, target.SecurityGroups)
}

func TestResolveFlagsUnknownAndDuplicateInstances(t *testing.T) {
	now := time.Now()
	inventory := &staticInventory{instances: []types.InstanceInfo{
		instance("gibbon-master-0", "master", types.StateRunning, now.Add(-time.Hour)),
		instance("gibbon-master-0", "master", types.StateStopped, now),
		instance("gibbon-master-7", "master", types.StateRunning, now),
	}}
	r := NewResolver(testConfig(), inventory, zaptest.NewLogger(t))

	target, err := r.Resolve(context.Background(), "gibbon", "master")
	require.NoError(t, err)

	require.Len(t, target.Created, 1)
	assert.Equal(t, "i-gibbon-master-0-running", target.Created[0].Instance.InstanceID, "oldest instance keeps the claim")
	assert.Empty(t, target.Uncreated)

	reasons := map[string]string{}
	for _, u := range target.Undefined {
		reasons[u.Instance.InstanceID] = u.Reason
	}
	assert.Equal(t, map[string]string{
		"i-gibbon-master-7-running": types.ReasonUnknownNode,
		"i-gibbon-master-0-stopped": types.ReasonDuplicate,
	}, reasons)
}

func TestResolvePartiallyTaggedInstances(t *testing.T) {
	now := time.Now()
	untagged := func(id, name string) types.InstanceInfo {
		tags := map[string]string{types.TagCluster: "gibbon", types.TagManagedBy: types.ManagedByValue}
		if name != "" {
			tags[types.TagName] = name
		}
		return types.InstanceInfo{NodeName: name, InstanceID: id, State: types.StateRunning, LaunchTime: now, Tags: tags}
	}

	inventory := &staticInventory{instances: []types.InstanceInfo{
		untagged("i-live", "gibbon-master-0"),
		untagged("i-nameless", ""),
		untagged("i-other", "gibbon-cassandra-0"),
	}}
	r := NewResolver(testConfig(), inventory, zaptest.NewLogger(t))

	target, err := r.Resolve(context.Background(), "gibbon", "master")
	require.NoError(t, err)

	require.Len(t, target.Created, 1, "a live instance named for the server is not relaunched")
	assert.Equal(t, "i-live", target.Created[0].Instance.InstanceID)
	assert.Empty(t, target.Uncreated)

	require.Len(t, target.Undefined, 1)
	assert.Equal(t, "i-nameless", target.Undefined[0].Instance.InstanceID)
	assert.Equal(t, types.ReasonUnknownNode, target.Undefined[0].Reason)

	target, err = r.Resolve(context.Background(), "gibbon", "cassandra")
	require.NoError(t, err)
	require.Len(t, target.Created, 1)
	assert.Equal(t, "i-other", target.Created[0].Instance.InstanceID)
	assert.Len(t, target.Uncreated, 2)
}

func TestResolveEmptyInventory(t *testing.T) {
	r := NewResolver(testConfig(), &staticInventory{}, zaptest.NewLogger(t))

	target, err := r.Resolve(context.Background(), "gibbon", "")
	require.NoError(t, err)
	assert.Len(t, target.Uncreated, 4)
	assert.Empty(t, target.Created)
	assert.Empty(t, target.Undefined)
}

func TestResolveInventoryError(t *testing.T) {
	r := NewResolver(testConfig(), &staticInventory{err: errors.New("throttled")}, zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), "gibbon", "")
	assert.Error(t, err)
}
