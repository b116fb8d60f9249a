package launch

import (
	"errors"
	"fmt"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

var (
	// ErrNothingToLaunch is returned when every server in the slice already exists
	ErrNothingToLaunch = errors.New("all servers are running, not launching any")

	// ErrUnsafeClusterState is returned when undefined servers were found and force was not given
	ErrUnsafeClusterState = errors.New("cluster has servers in a transitional or undefined state")

	// ErrPartialFailure is returned when the launch completed but not every pipeline succeeded
	ErrPartialFailure = errors.New("one or more nodes were not fully provisioned")
)

// StepError records which pipeline step failed for which node
type StepError struct {
	Node       string
	InstanceID string
	Step       types.Step
	Err        error
}

func (e *StepError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("node %s (%s): %s failed: %v", e.Node, e.InstanceID, e.Step, e.Err)
	}
	return fmt.Sprintf("node %s: %s failed: %v", e.Node, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
