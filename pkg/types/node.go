package types

import (
	"fmt"
	"strconv"
)

// NodeSpec is the resolved, immutable definition of one server in a cluster facet
type NodeSpec struct {
	Name    string `json:"name" yaml:"name"`
	Cluster string `json:"cluster" yaml:"cluster"`
	Facet   string `json:"facet" yaml:"facet"`
	Index   int    `json:"index" yaml:"index"`

	// Cloud placement
	Region           string `json:"region" yaml:"region"`
	AvailabilityZone string `json:"availability_zone" yaml:"availability_zone"`
	Flavor           string `json:"flavor" yaml:"flavor"` // EC2 instance type
	Image            string `json:"image" yaml:"image"`   // AMI ID
	SubnetID         string `json:"subnet_id,omitempty" yaml:"subnet_id,omitempty"`

	// Security context
	KeyPair        string   `json:"key_pair" yaml:"key_pair"`
	SSHUser        string   `json:"ssh_user" yaml:"ssh_user"`
	IdentityFile   string   `json:"identity_file,omitempty" yaml:"identity_file,omitempty"`
	SecurityGroups []string `json:"security_groups,omitempty" yaml:"security_groups,omitempty"`

	Volumes         []VolumeSpec `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	RunList         []string     `json:"run_list,omitempty" yaml:"run_list,omitempty"`
	BootstrapDistro string       `json:"bootstrap_distro,omitempty" yaml:"bootstrap_distro,omitempty"`
}

// VolumeSpec describes one pre-existing EBS volume to attach to a node
type VolumeSpec struct {
	Name       string `json:"name" yaml:"name"`
	VolumeID   string `json:"volume_id" yaml:"volume_id"`
	Device     string `json:"device" yaml:"device"`
	MountPoint string `json:"mount_point,omitempty" yaml:"mount_point,omitempty"`
}

// SecurityGroupSpec describes a security group that must exist before launch
type SecurityGroupSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	SSHIngress  bool   `json:"ssh_ingress" yaml:"ssh_ingress"`
}

// NodeName builds node names following the cluster pattern: [cluster]-[facet]-[index]
func NodeName(cluster, facet string, index int) string {
	return fmt.Sprintf("%s-%s-%s", cluster, facet, strconv.Itoa(index))
}

// Tags returns the instance tags that identify a node as created by this tool
func (n NodeSpec) Tags() map[string]string {
	return map[string]string{
		TagName:      n.Name,
		TagCluster:   n.Cluster,
		TagFacet:     n.Facet,
		TagIndex:     strconv.Itoa(n.Index),
		TagManagedBy: ManagedByValue,
	}
}

// Instance tag keys written at creation and read back by inventory listing
const (
	TagName        = "Name"
	TagCluster     = "cluster"
	TagFacet       = "facet"
	TagIndex       = "index"
	TagManagedBy   = "ManagedBy"
	ManagedByValue = "aws-cluster-launch"
)
