package types

// Target is a resolved cluster slice, partitioned against what already exists in the cloud
type Target struct {
	Cluster string `json:"cluster" yaml:"cluster"`
	Facet   string `json:"facet,omitempty" yaml:"facet,omitempty"` // empty means every facet

	// Created nodes already have a live instance and are left untouched
	Created []CreatedNode `json:"created" yaml:"created"`

	// Uncreated nodes form the launch set
	Uncreated []NodeSpec `json:"uncreated" yaml:"uncreated"`

	// Undefined instances are in a transitional or inconsistent state
	Undefined []UndefinedServer `json:"undefined,omitempty" yaml:"undefined,omitempty"`

	SecurityGroups []SecurityGroupSpec `json:"security_groups,omitempty" yaml:"security_groups,omitempty"`
}

// CreatedNode pairs a definition with its existing instance
type CreatedNode struct {
	Spec     NodeSpec     `json:"spec" yaml:"spec"`
	Instance InstanceInfo `json:"instance" yaml:"instance"`
}

// UndefinedServer is an instance that makes launch behaviour unpredictable
type UndefinedServer struct {
	Instance InstanceInfo `json:"instance" yaml:"instance"`
	Reason   string       `json:"reason" yaml:"reason"`
}

// Undefined server reasons
const (
	ReasonTransitional = "instance is in a transitional state"
	ReasonUnknownNode  = "instance does not match any defined server"
	ReasonDuplicate    = "more than one live instance claims this server"
)

// NodeCount returns the number of defined servers in the slice
func (t *Target) NodeCount() int {
	return len(t.Created) + len(t.Uncreated)
}
