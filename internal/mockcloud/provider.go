// Package mockcloud is an in-memory compute provider used for dry runs and tests.
package mockcloud

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Provider simulates instance creation, readiness, volume attachment and inventory.
// Instances become running after BootPolls describe calls.
type Provider struct {
	logger *zap.Logger

	// BootPolls is the number of describe calls that still report pending
	BootPolls int

	mu        sync.Mutex
	instances map[string]*instance // by instance id
	order     []string
	volumes   map[string]string // volume id to instance id
	groups    map[string]types.SecurityGroupSpec
	keyPairs  map[string]bool
	createReq int

	failCreate   bool
	failDescribe map[string]error
	failAttach   map[string]error
}

type instance struct {
	info  types.InstanceInfo
	polls int
}

// New creates an empty simulated provider
func New(logger *zap.Logger) *Provider {
	return &Provider{
		logger:       logger,
		BootPolls:    1,
		instances:    make(map[string]*instance),
		volumes:      make(map[string]string),
		groups:       make(map[string]types.SecurityGroupSpec),
		keyPairs:     make(map[string]bool),
		failDescribe: make(map[string]error),
		failAttach:   make(map[string]error),
	}
}

// Seed adds existing instances to the inventory
func (p *Provider) Seed(instances ...types.InstanceInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, info := range instances {
		if info.InstanceID == "" {
			info.InstanceID = p.nextID()
		}
		if info.Tags == nil {
			info.Tags = make(map[string]string)
		}
		if info.NodeName == "" {
			info.NodeName = info.Tags[types.TagName]
		}
		p.add(&instance{info: info, polls: p.BootPolls})
	}
}

// seedFile is the on-disk form of a simulated inventory
type seedFile struct {
	Instances []types.InstanceInfo `yaml:"instances"`
}

// LoadInventory seeds the provider from a YAML inventory file
func (p *Provider) LoadInventory(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read inventory file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse inventory file %s: %w", path, err)
	}

	for i := range seed.Instances {
		info := &seed.Instances[i]
		if info.State == "" {
			info.State = types.StateRunning
		}
		if info.Tags == nil {
			info.Tags = make(map[string]string)
		}
		if info.NodeName != "" && info.Tags[types.TagName] == "" {
			info.Tags[types.TagName] = info.NodeName
		}
	}
	p.Seed(seed.Instances...)

	p.logger.Info("Loaded simulated inventory", zap.String("path", path), zap.Int("instances", len(seed.Instances)))
	return nil
}

// FailCreate makes the next batch create fail
func (p *Provider) FailCreate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCreate = true
}

// FailDescribe makes every describe of node return err
func (p *Provider) FailDescribe(node string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failDescribe[node] = err
}

// FailAttach makes attaching volumeID return err
func (p *Provider) FailAttach(volumeID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAttach[volumeID] = err
}

// RegisterKeyPair records a key pair as existing
func (p *Provider) RegisterKeyPair(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyPairs[name] = true
	p.logger.Debug("Registered simulated key pair", zap.String("key_pair", name))
}

// HasKeyPair reports whether a key pair was registered
func (p *Provider) HasKeyPair(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyPairs[name]
}

// CreateRequests returns the number of batch create calls made
func (p *Provider) CreateRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createReq
}

// Attachments returns the volumes attached to an instance, sorted
func (p *Provider) Attachments(instanceID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var volumes []string
	for vol, id := range p.volumes {
		if id == instanceID {
			volumes = append(volumes, vol)
		}
	}
	sort.Strings(volumes)
	return volumes
}

// CreateInstances simulates one batch creation request
func (p *Provider) CreateInstances(ctx context.Context, nodes []types.NodeSpec) ([]*types.LaunchHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.createReq++
	if p.failCreate {
		p.failCreate = false
		return nil, fmt.Errorf("simulated batch create failure for %d instances", len(nodes))
	}

	now := time.Now().UTC()
	handles := make([]*types.LaunchHandle, 0, len(nodes))
	for _, node := range nodes {
		if node.KeyPair != "" && !p.keyPairs[node.KeyPair] {
			p.logger.Warn("Simulated key pair is not registered", zap.String("key_pair", node.KeyPair))
		}

		info := types.InstanceInfo{
			NodeName:         node.Name,
			InstanceID:       p.nextID(),
			State:            types.StatePending,
			Flavor:           node.Flavor,
			Image:            node.Image,
			AvailabilityZone: node.AvailabilityZone,
			KeyName:          node.KeyPair,
			LaunchTime:       now,
			Tags:             node.Tags(),
		}
		p.add(&instance{info: info})

		handle := &types.LaunchHandle{Node: node}
		handle.Update(info)
		handles = append(handles, handle)
	}

	p.logger.Info("Simulated instances created", zap.Int("count", len(handles)))
	return handles, nil
}

// DescribeInstance advances the simulated boot and returns the current view
func (p *Provider) DescribeInstance(ctx context.Context, handle *types.LaunchHandle) (types.InstanceInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.InstanceInfo{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failDescribe[handle.Node.Name]; err != nil {
		return types.InstanceInfo{}, err
	}

	inst, ok := p.instances[handle.InstanceID]
	if !ok {
		return types.InstanceInfo{}, fmt.Errorf("simulated instance %q does not exist", handle.InstanceID)
	}

	inst.polls++
	if inst.info.State == types.StatePending && inst.polls > p.BootPolls {
		n := p.indexOf(handle.InstanceID) + 10
		inst.info.State = types.StateRunning
		inst.info.PrivateIP = fmt.Sprintf("10.0.%d.%d", n/250, n%250)
		inst.info.PublicIP = fmt.Sprintf("203.0.%d.%d", n/250, n%250)
		inst.info.PublicDNS = fmt.Sprintf("ec2-203-0-%d-%d.compute.simulated", n/250, n%250)
	}
	return copyInfo(inst.info), nil
}

// AttachVolume records the attachment; a volume can only be attached once
func (p *Provider) AttachVolume(ctx context.Context, handle *types.LaunchHandle, volume types.VolumeSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failAttach[volume.VolumeID]; err != nil {
		return err
	}
	if owner, ok := p.volumes[volume.VolumeID]; ok && owner != handle.InstanceID {
		return fmt.Errorf("volume %s is already attached to %s", volume.VolumeID, owner)
	}
	p.volumes[volume.VolumeID] = handle.InstanceID
	return nil
}

// ListInstances returns the simulated inventory of a cluster in creation order
func (p *Provider) ListInstances(ctx context.Context, cluster string) ([]types.InstanceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.InstanceInfo
	for _, id := range p.order {
		info := p.instances[id].info
		if info.Tags[types.TagCluster] == cluster {
			out = append(out, copyInfo(info))
		}
	}
	return out, nil
}

// EnsureSecurityGroups records the groups as existing
func (p *Provider) EnsureSecurityGroups(ctx context.Context, groups []types.SecurityGroupSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var created []string
	for _, g := range groups {
		if _, ok := p.groups[g.Name]; !ok {
			created = append(created, g.Name)
		}
		p.groups[g.Name] = g
	}
	if len(created) > 0 {
		p.logger.Info("Simulated security groups created", zap.String("groups", strings.Join(created, ",")))
	}
	return nil
}

// SecurityGroups returns the names of every ensured group, sorted
func (p *Provider) SecurityGroups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Provider) add(inst *instance) {
	p.instances[inst.info.InstanceID] = inst
	p.order = append(p.order, inst.info.InstanceID)
}

func (p *Provider) indexOf(id string) int {
	for i, o := range p.order {
		if o == id {
			return i
		}
	}
	return 0
}

func (p *Provider) nextID() string {
	return fmt.Sprintf("i-%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:17])
}

func copyInfo(info types.InstanceInfo) types.InstanceInfo {
	tags := make(map[string]string, len(info.Tags))
	for k, v := range info.Tags {
		tags[k] = v
	}
	info.Tags = tags
	return info
}
