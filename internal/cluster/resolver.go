package cluster

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/internal/config"
	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Inventory lists the instances that currently belong to a cluster
type Inventory interface {
	ListInstances(ctx context.Context, cluster string) ([]types.InstanceInfo, error)
}

// Resolver turns cluster definitions into node specs and partitions them against the inventory
type Resolver struct {
	config    *config.Config
	inventory Inventory
	logger    *zap.Logger
}

// NewResolver creates a resolver
func NewResolver(cfg *config.Config, inventory Inventory, logger *zap.Logger) *Resolver {
	return &Resolver{config: cfg, inventory: inventory, logger: logger}
}

// Nodes returns the node specs of a cluster slice in definition order. An empty facet selects every facet.
func (r *Resolver) Nodes(clusterName, facetName string) ([]types.NodeSpec, error) {
	cluster, facets, err := r.slice(clusterName, facetName)
	if err != nil {
		return nil, err
	}

	var nodes []types.NodeSpec
	for _, facet := range facets {
		for i := 0; i < facet.Instances; i++ {
			nodes = append(nodes, r.nodeSpec(cluster, facet, i))
		}
	}
	return nodes, nil
}

// SecurityGroups returns the groups the slice's servers are placed in, deduplicated
func (r *Resolver) SecurityGroups(clusterName, facetName string) ([]types.SecurityGroupSpec, error) {
	cluster, facets, err := r.slice(clusterName, facetName)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var groups []types.SecurityGroupSpec
	add := func(g types.SecurityGroupSpec) {
		if g.Name == "" || seen[g.Name] {
			return
		}
		seen[g.Name] = true
		groups = append(groups, g)
	}

	add(types.SecurityGroupSpec{
		Name:        cluster.Name,
		Description: fmt.Sprintf("cluster %s", cluster.Name),
		SSHIngress:  true,
	})
	for _, facet := range facets {
		add(types.SecurityGroupSpec{
			Name:        facetGroup(cluster.Name, facet.Name),
			Description: fmt.Sprintf("cluster %s facet %s", cluster.Name, facet.Name),
		})
		for _, name := range mergeLists(cluster.Cloud.SecurityGroups, facet.Cloud.SecurityGroups) {
			add(types.SecurityGroupSpec{Name: name, Description: name})
		}
	}
	return groups, nil
}

// Resolve builds the launch target for a cluster slice
func (r *Resolver) Resolve(ctx context.Context, clusterName, facetName string) (*types.Target, error) {
	nodes, err := r.Nodes(clusterName, facetName)
	if err != nil {
		return nil, err
	}
	groups, err := r.SecurityGroups(clusterName, facetName)
	if err != nil {
		return nil, err
	}

	instances, err := r.inventory.ListInstances(ctx, clusterName)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of cluster %s: %w", clusterName, err)
	}

	target := &types.Target{
		Cluster:        clusterName,
		Facet:          facetName,
		SecurityGroups: groups,
	}

	defined := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		defined[node.Name] = true
	}
	// Every server of the cluster, to recognise instances that belong to other facets
	clusterNodes := defined
	if facetName != "" {
		all, err := r.Nodes(clusterName, "")
		if err != nil {
			return nil, err
		}
		clusterNodes = make(map[string]bool, len(all))
		for _, node := range all {
			clusterNodes[node.Name] = true
		}
	}

	// Live instances per node name, oldest first so the original keeps its claim
	live := make(map[string][]types.InstanceInfo)
	for _, inst := range instances {
		if inst.IsGone() {
			continue
		}
		if defined[inst.NodeName] {
			live[inst.NodeName] = append(live[inst.NodeName], inst)
			continue
		}
		if facetName != "" && belongsToOtherFacet(inst, facetName, clusterNodes) {
			continue
		}
		// Includes instances whose identity tags never got written
		target.Undefined = append(target.Undefined, types.UndefinedServer{Instance: inst, Reason: types.ReasonUnknownNode})
	}

	for _, node := range nodes {
		claims := live[node.Name]
		if len(claims) == 0 {
			target.Uncreated = append(target.Uncreated, node)
			continue
		}

		sort.SliceStable(claims, func(i, j int) bool { return claims[i].LaunchTime.Before(claims[j].LaunchTime) })
		current := claims[0]
		if current.IsTransitional() {
			target.Undefined = append(target.Undefined, types.UndefinedServer{Instance: current, Reason: types.ReasonTransitional})
		} else {
			target.Created = append(target.Created, types.CreatedNode{Spec: node, Instance: current})
		}
		for _, dup := range claims[1:] {
			target.Undefined = append(target.Undefined, types.UndefinedServer{Instance: dup, Reason: types.ReasonDuplicate})
		}
	}

	r.logger.Debug("Resolved cluster slice",
		zap.String("cluster", clusterName),
		zap.String("facet", facetName),
		zap.Int("defined", len(nodes)),
		zap.Int("created", len(target.Created)),
		zap.Int("uncreated", len(target.Uncreated)),
		zap.Int("undefined", len(target.Undefined)))

	return target, nil
}

// belongsToOtherFacet reports whether inst is some other facet's business. An instance
// without a facet tag is judged by its node name alone.
func belongsToOtherFacet(inst types.InstanceInfo, facetName string, clusterNodes map[string]bool) bool {
	if facet := inst.Tags[types.TagFacet]; facet != "" {
		return facet != facetName
	}
	return clusterNodes[inst.NodeName]
}

func (r *Resolver) slice(clusterName, facetName string) (*config.ClusterConfig, []config.FacetConfig, error) {
	cluster := r.config.FindCluster(clusterName)
	if cluster == nil {
		return nil, nil, fmt.Errorf("cluster %q is not defined", clusterName)
	}
	if facetName == "" {
		return cluster, cluster.Facets, nil
	}
	facet := cluster.FindFacet(facetName)
	if facet == nil {
		return nil, nil, fmt.Errorf("facet %q is not defined in cluster %q", facetName, clusterName)
	}
	return cluster, []config.FacetConfig{*facet}, nil
}

// nodeSpec merges cluster and facet settings; facet values win
func (r *Resolver) nodeSpec(cluster *config.ClusterConfig, facet config.FacetConfig, index int) types.NodeSpec {
	cc, fc, bc := cluster.Cloud, facet.Cloud, r.config.Bootstrap

	runList := mergeLists(cluster.RunList, facet.RunList)
	if len(runList) == 0 {
		runList = append([]string(nil), bc.RunList...)
	}

	groups := mergeLists([]string{cluster.Name, facetGroup(cluster.Name, facet.Name)}, cc.SecurityGroups, fc.SecurityGroups)

	var volumes []types.VolumeSpec
	for _, v := range facet.Volumes {
		spec := types.VolumeSpec{Name: v.Name, Device: v.Device, MountPoint: v.MountPoint}
		if index < len(v.VolumeIDs) {
			spec.VolumeID = v.VolumeIDs[index]
		}
		volumes = append(volumes, spec)
	}

	return types.NodeSpec{
		Name:             types.NodeName(cluster.Name, facet.Name, index),
		Cluster:          cluster.Name,
		Facet:            facet.Name,
		Index:            index,
		Region:           pick(fc.Region, cc.Region, r.config.AWS.Region),
		AvailabilityZone: pick(fc.AvailabilityZone, cc.AvailabilityZone),
		Flavor:           pick(fc.Flavor, cc.Flavor),
		Image:            pick(fc.Image, cc.Image),
		SubnetID:         pick(fc.SubnetID, cc.SubnetID),
		KeyPair:          pick(fc.KeyPair, cc.KeyPair, cluster.Name),
		SSHUser:          pick(fc.SSHUser, cc.SSHUser, bc.SSHUser),
		IdentityFile:     pick(fc.IdentityFile, cc.IdentityFile, bc.IdentityFile),
		SecurityGroups:   groups,
		Volumes:          volumes,
		RunList:          runList,
		BootstrapDistro:  pick(fc.BootstrapDistro, cc.BootstrapDistro, bc.Distro),
	}
}

func facetGroup(cluster, facet string) string {
	return cluster + "-" + facet
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// mergeLists concatenates lists, keeping the first occurrence of each entry
func mergeLists(lists ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, list := range lists {
		for _, item := range list {
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			merged = append(merged, item)
		}
	}
	return merged
}
