package bootstrap

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Simulated renders the bootstrap script without connecting anywhere. It backs dry runs.
type Simulated struct {
	logger   *zap.Logger
	settings Settings

	mu       sync.Mutex
	requests []types.BootstrapRequest
}

// NewSimulated creates a bootstrapper that only renders and logs
func NewSimulated(logger *zap.Logger, settings Settings) *Simulated {
	return &Simulated{logger: logger, settings: settings}
}

// Bootstrap records req and checks that its script renders
func (s *Simulated) Bootstrap(ctx context.Context, req types.BootstrapRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	script, err := RenderScript(req, s.settings)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	s.logger.Info("Simulated bootstrap",
		zap.String("node", req.Node.Name),
		zap.String("node_name", req.NodeName),
		zap.Strings("run_list", req.RunList),
		zap.Int("script_bytes", len(script)))
	return nil
}

// Requests returns every request seen so far
func (s *Simulated) Requests() []types.BootstrapRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.BootstrapRequest(nil), s.requests...)
}
