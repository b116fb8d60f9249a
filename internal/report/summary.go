package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/aws-cluster-launch/internal/launch"
	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Summary is the persisted record of one launch session
type Summary struct {
	SessionID string                 `yaml:"session_id"`
	Cluster   string                 `yaml:"cluster"`
	Facet     string                 `yaml:"facet,omitempty"`
	StartedAt time.Time              `yaml:"started_at"`
	Elapsed   string                 `yaml:"elapsed"`
	Total     int                    `yaml:"total"`
	Succeeded int                    `yaml:"succeeded"`
	Failed    int                    `yaml:"failed"`
	Existing  []string               `yaml:"existing,omitempty"`
	Results   []types.PipelineResult `yaml:"results"`
}

// NewSummary captures a finished session
func NewSummary(s *launch.Session) Summary {
	summary := Summary{
		SessionID: s.ID,
		Cluster:   s.Cluster,
		Facet:     s.Facet,
		StartedAt: s.StartedAt.UTC(),
		Elapsed:   s.Elapsed().Round(time.Millisecond).String(),
		Total:     s.Total(),
		Succeeded: s.Succeeded(),
		Failed:    len(s.Failed()),
		Results:   s.Results(),
	}
	for _, c := range s.Created() {
		summary.Existing = append(summary.Existing, c.Spec.Name)
	}
	return summary
}

// WriteSummary writes the session summary as YAML to path
func WriteSummary(path string, s *launch.Session) error {
	data, err := yaml.Marshal(NewSummary(s))
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create summary directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return nil
}
