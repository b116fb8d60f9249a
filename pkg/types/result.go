package types

import "time"

// PipelineStatus is the terminal outcome of a node's readiness pipeline
type PipelineStatus string

const (
	StatusSucceeded PipelineStatus = "succeeded"
	StatusFailed    PipelineStatus = "failed"
	StatusSkipped   PipelineStatus = "skipped"
)

// Step identifies one stage of the readiness pipeline
type Step string

const (
	StepCreate        Step = "create"
	StepInstanceReady Step = "instance-ready"
	StepVolumeAttach  Step = "volume-attach"
	StepNetworkProbe  Step = "network-probe"
	StepConfigure     Step = "configure"
)

// PipelineResult is produced exactly once per launched node and never modified afterwards
type PipelineResult struct {
	Node       string         `json:"node" yaml:"node"`
	InstanceID string         `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	Status     PipelineStatus `json:"status" yaml:"status"`
	FailedStep Step           `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Err        error          `json:"-" yaml:"-"`
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
	Duration   time.Duration  `json:"duration" yaml:"duration"`
	Instance   InstanceInfo   `json:"instance" yaml:"instance"`
}

// Succeeded builds a successful result
func Succeeded(node string, instance InstanceInfo, duration time.Duration) PipelineResult {
	return PipelineResult{
		Node:       node,
		InstanceID: instance.InstanceID,
		Status:     StatusSucceeded,
		Duration:   duration,
		Instance:   instance,
	}
}

// Failed builds a failed result for the given step
func Failed(node string, instance InstanceInfo, step Step, err error, duration time.Duration) PipelineResult {
	r := PipelineResult{
		Node:       node,
		InstanceID: instance.InstanceID,
		Status:     StatusFailed,
		FailedStep: step,
		Err:        err,
		Duration:   duration,
		Instance:   instance,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Skipped builds a result for a node whose pipeline never ran a step
func Skipped(node string, reason error) PipelineResult {
	r := PipelineResult{Node: node, Status: StatusSkipped, Err: reason}
	if reason != nil {
		r.Error = reason.Error()
	}
	return r
}
