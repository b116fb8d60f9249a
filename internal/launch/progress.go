package launch

import (
	"time"
)

// watchProgress samples the session at interval and reports to reporter until every
// pipeline is terminal. It only reads session state.
func watchProgress(s *Session, reporter ProgressReporter, metrics *Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := -1
	for {
		running := s.Running()
		metrics.setRunning(running)

		completed := s.Total() - running
		if completed != last || running > 0 {
			reporter.Progress(Progress{Completed: completed, Total: s.Total(), Elapsed: s.Elapsed()})
			last = completed
		}
		if running == 0 {
			return
		}
		<-ticker.C
	}
}

type nopReporter struct{}

func (nopReporter) Progress(Progress) {}
