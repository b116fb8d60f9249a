package launch

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Session is the in-memory state of one launch invocation. The launch set and the
// created nodes are fixed at construction; each result slot is written exactly once.
type Session struct {
	ID        string
	Cluster   string
	Facet     string
	StartedAt time.Time

	nodes   []types.NodeSpec
	created []types.CreatedNode
	handles []*types.LaunchHandle

	results  []atomic.Pointer[types.PipelineResult]
	running  atomic.Int64
	finished atomic.Int64 // UnixNano, zero while in progress
}

func newSession(target *types.Target, now time.Time) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Cluster:   target.Cluster,
		Facet:     target.Facet,
		StartedAt: now,
		nodes:     append([]types.NodeSpec(nil), target.Uncreated...),
		created:   append([]types.CreatedNode(nil), target.Created...),
	}
	s.handles = make([]*types.LaunchHandle, len(s.nodes))
	s.results = make([]atomic.Pointer[types.PipelineResult], len(s.nodes))
	s.running.Store(int64(len(s.nodes)))
	return s
}

// complete records the terminal result for node i. It returns false if a result was already recorded.
func (s *Session) complete(i int, result types.PipelineResult) bool {
	if !s.results[i].CompareAndSwap(nil, &result) {
		return false
	}
	s.running.Add(-1)
	return true
}

func (s *Session) finish(now time.Time) {
	s.finished.Store(now.UnixNano())
}

// Nodes returns the launch set in definition order
func (s *Session) Nodes() []types.NodeSpec {
	return append([]types.NodeSpec(nil), s.nodes...)
}

// Created returns the nodes that already existed and were left untouched
func (s *Session) Created() []types.CreatedNode {
	return append([]types.CreatedNode(nil), s.created...)
}

// Total returns the size of the launch set
func (s *Session) Total() int {
	return len(s.nodes)
}

// Running returns the number of pipelines that have not reached a terminal state
func (s *Session) Running() int {
	return int(s.running.Load())
}

// Completed returns the number of nodes with a terminal result
func (s *Session) Completed() int {
	return s.Total() - s.Running()
}

// Done reports whether every node has a terminal result
func (s *Session) Done() bool {
	return s.Running() == 0
}

// Elapsed returns the time since the session started, frozen once it has finished
func (s *Session) Elapsed() time.Duration {
	if f := s.finished.Load(); f != 0 {
		return time.Unix(0, f).Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Result returns the terminal result of node i, if recorded
func (s *Session) Result(i int) (types.PipelineResult, bool) {
	if i < 0 || i >= len(s.results) {
		return types.PipelineResult{}, false
	}
	r := s.results[i].Load()
	if r == nil {
		return types.PipelineResult{}, false
	}
	return *r, true
}

// Results returns every recorded result in launch-set order
func (s *Session) Results() []types.PipelineResult {
	results := make([]types.PipelineResult, 0, len(s.results))
	for i := range s.results {
		if r, ok := s.Result(i); ok {
			results = append(results, r)
		}
	}
	return results
}

// Failed returns the results that did not succeed
func (s *Session) Failed() []types.PipelineResult {
	var failed []types.PipelineResult
	for _, r := range s.Results() {
		if r.Status != types.StatusSucceeded {
			failed = append(failed, r)
		}
	}
	return failed
}

// Succeeded returns the number of nodes that completed every step
func (s *Session) Succeeded() int {
	n := 0
	for _, r := range s.Results() {
		if r.Status == types.StatusSucceeded {
			n++
		}
	}
	return n
}
