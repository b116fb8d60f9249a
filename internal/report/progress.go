package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/scttfrdmn/aws-cluster-launch/internal/launch"
)

const barWidth = 30

var (
	barDoneStyle = lipgloss.NewStyle().Foreground(colorGreen)
	barTodoStyle = lipgloss.NewStyle().Foreground(colorDim)
)

// ProgressBar shows "M of N done" while pipelines run. On a terminal the line is
// redrawn in place; otherwise a line is written whenever the count changes.
type ProgressBar struct {
	w    io.Writer
	tty  bool
	last int
}

// NewProgressBar creates a progress bar on w
func NewProgressBar(w io.Writer, tty bool) *ProgressBar {
	return &ProgressBar{w: w, tty: tty, last: -1}
}

// NewTerminalProgressBar creates a progress bar on w that redraws in place when w is a terminal
func NewTerminalProgressBar(w io.Writer) *ProgressBar {
	return NewProgressBar(w, IsTerminal(w))
}

// IsTerminal reports whether w is a terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Progress implements launch.ProgressReporter
func (b *ProgressBar) Progress(p launch.Progress) {
	if b.tty {
		fmt.Fprintf(b.w, "\r%s", renderBar(p))
		if p.Completed == p.Total {
			fmt.Fprintln(b.w)
		}
		b.last = p.Completed
		return
	}

	if p.Completed == b.last {
		return
	}
	b.last = p.Completed
	fmt.Fprintf(b.w, "%d of %d nodes done (%s)\n", p.Completed, p.Total, p.Elapsed.Round(time.Second))
}

func renderBar(p launch.Progress) string {
	filled := 0
	if p.Total > 0 {
		filled = p.Completed * barWidth / p.Total
	}
	bar := barDoneStyle.Render(strings.Repeat("█", filled)) + barTodoStyle.Render(strings.Repeat("░", barWidth-filled))
	return fmt.Sprintf("%s %d/%d  %s", bar, p.Completed, p.Total, p.Elapsed.Round(time.Second))
}

var _ launch.ProgressReporter = (*ProgressBar)(nil)
