package types

import "time"

// InstanceInfo is the provider's view of one instance: its identity, state and addresses
type InstanceInfo struct {
	NodeName         string            `json:"node_name" yaml:"node_name"`
	InstanceID       string            `json:"instance_id" yaml:"instance_id"`
	State            string            `json:"state" yaml:"state"`
	Flavor           string            `json:"flavor" yaml:"flavor"`
	Image            string            `json:"image" yaml:"image"`
	AvailabilityZone string            `json:"availability_zone" yaml:"availability_zone"`
	KeyName          string            `json:"key_name,omitempty" yaml:"key_name,omitempty"`
	PublicDNS        string            `json:"public_dns,omitempty" yaml:"public_dns,omitempty"`
	PublicIP         string            `json:"public_ip,omitempty" yaml:"public_ip,omitempty"`
	PrivateIP        string            `json:"private_ip,omitempty" yaml:"private_ip,omitempty"`
	LaunchTime       time.Time         `json:"launch_time" yaml:"launch_time"`
	Tags             map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// EC2 instance states as reported by DescribeInstances
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateShuttingDown = "shutting-down"
	StateTerminated   = "terminated"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
)

// IsReady reports whether the instance has finished booting from the provider's point of view
func (i InstanceInfo) IsReady() bool {
	return i.State == StateRunning
}

// IsTransitional reports whether the instance is between stable states
func (i InstanceInfo) IsTransitional() bool {
	switch i.State {
	case StatePending, StateStopping, StateShuttingDown:
		return true
	}
	return false
}

// IsGone reports whether the instance no longer counts as created
func (i InstanceInfo) IsGone() bool {
	return i.State == StateTerminated
}

// IsHalting reports whether the instance is shutting down or stopped and will not become ready by itself
func (i InstanceInfo) IsHalting() bool {
	switch i.State {
	case StateShuttingDown, StateStopping, StateStopped:
		return true
	}
	return false
}

// LaunchHandle is the live state of one instance after its creation request.
// It is owned by exactly one readiness pipeline.
type LaunchHandle struct {
	Node       NodeSpec     `json:"-" yaml:"-"`
	InstanceID string       `json:"instance_id" yaml:"instance_id"` // may be empty until assigned
	Ready      bool         `json:"ready" yaml:"ready"`
	Instance   InstanceInfo `json:"instance" yaml:"instance"`
}

// Update copies a fresh provider view into the handle
func (h *LaunchHandle) Update(info InstanceInfo) {
	if info.InstanceID != "" {
		h.InstanceID = info.InstanceID
	}
	h.Ready = info.IsReady()
	h.Instance = info
	if h.Instance.NodeName == "" {
		h.Instance.NodeName = h.Node.Name
	}
}

// Host returns the address used to reach the node over SSH
func (h *LaunchHandle) Host() string {
	if h.Instance.PublicDNS != "" {
		return h.Instance.PublicDNS
	}
	if h.Instance.PublicIP != "" {
		return h.Instance.PublicIP
	}
	return h.Instance.PrivateIP
}
