package launch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

func TestSessionResultsAreWriteOnce(t *testing.T) {
	s := newSession(targetOf(testNode("demo", "web", 0), testNode("demo", "web", 1)), time.Now())
	require.Equal(t, 2, s.Running())

	assert.True(t, s.complete(0, types.Succeeded("demo-web-0", types.InstanceInfo{}, time.Second)))
	assert.False(t, s.complete(0, types.Skipped("demo-web-0", errBoom)), "second write is rejected")
	assert.Equal(t, 1, s.Running())

	r, ok := s.Result(0)
	require.True(t, ok)
	assert.Equal(t, types.StatusSucceeded, r.Status)

	_, ok = s.Result(1)
	assert.False(t, ok)
	_, ok = s.Result(5)
	assert.False(t, ok)
}

func TestSessionConcurrentCompletion(t *testing.T) {
	const n = 64
	var nodes []types.NodeSpec
	for i := 0; i < n; i++ {
		nodes = append(nodes, testNode("demo", "web", i))
	}
	s := newSession(targetOf(nodes...), time.Now())

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s.complete(i, types.Succeeded(nodes[i].Name, types.InstanceInfo{}, 0))
			}(i)
		}
	}
	wg.Wait()

	assert.True(t, s.Done())
	assert.Equal(t, n, s.Completed())
	assert.Len(t, s.Results(), n)
	assert.Equal(t, n, s.Succeeded())
	assert.Empty(t, s.Failed())
}

func TestSessionElapsedFreezesOnFinish(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	s := newSession(targetOf(), start)
	s.finish(start.Add(30 * time.Second))

	assert.Equal(t, 30*time.Second, s.Elapsed())
}
