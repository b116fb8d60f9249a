// Package report renders the state of a cluster slice for the operator: server
// tables before and after a launch, a progress line while pipelines run, and a
// YAML summary of a finished session.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/scttfrdmn/aws-cluster-launch/internal/launch"
	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// CreatedAtFormat is how launch times are shown in the banner
const CreatedAtFormat = "20060102-150405"

// Status values shown for nodes that were not part of the launch set
const (
	StatusExisting = "existing"
	StatusCreated  = "created"
)

var (
	colorGreen = lipgloss.Color("#22c55e")
	colorRed   = lipgloss.Color("#ef4444")
	colorBlue  = lipgloss.Color("#3b82f6")
	colorAmber = lipgloss.Color("#f59e0b")
	colorDim   = lipgloss.Color("#6b7280")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(colorDim)
	noteStyle   = lipgloss.NewStyle().Foreground(colorDim)
	okStyle     = cellStyle.Foreground(colorGreen)
	failStyle   = cellStyle.Foreground(colorRed)
	warnStyle   = cellStyle.Foreground(colorAmber)
)

var headers = []string{"Name", "InstanceID", "Flavor", "Image", "AZ", "SSH Key", "Public IP", "Private IP", "Created At", "Status"}

const statusColumn = 9

// Row is one line of the server banner
type Row struct {
	Name       string
	InstanceID string
	Flavor     string
	Image      string
	AZ         string
	SSHKey     string
	PublicIP   string
	PrivateIP  string
	CreatedAt  time.Time
	Status     string
}

// RowFromInstance builds a banner row from the provider's view of an instance
func RowFromInstance(info types.InstanceInfo, status string) Row {
	if status == "" {
		status = info.State
	}
	return Row{
		Name:       info.NodeName,
		InstanceID: info.InstanceID,
		Flavor:     info.Flavor,
		Image:      info.Image,
		AZ:         info.AvailabilityZone,
		SSHKey:     info.KeyName,
		PublicIP:   info.PublicIP,
		PrivateIP:  info.PrivateIP,
		CreatedAt:  info.LaunchTime,
		Status:     status,
	}
}

// TargetRows lists the servers of a slice that already exist
func TargetRows(target *types.Target) []Row {
	rows := make([]Row, 0, len(target.Created))
	for _, c := range target.Created {
		rows = append(rows, RowFromInstance(withSpec(c.Instance, c.Spec), StatusExisting))
	}
	return rows
}

// InstanceRows lists instances right after creation
func InstanceRows(infos []types.InstanceInfo) []Row {
	rows := make([]Row, 0, len(infos))
	for _, info := range infos {
		status := StatusCreated
		if info.InstanceID == "" {
			status = string(types.StatusFailed)
		}
		rows = append(rows, RowFromInstance(info, status))
	}
	return rows
}

// SessionRows lists the existing servers followed by every node of the launch set
// with its pipeline status
func SessionRows(s *launch.Session) []Row {
	created := s.Created()
	nodes := s.Nodes()
	rows := make([]Row, 0, len(created)+len(nodes))

	for _, c := range created {
		rows = append(rows, RowFromInstance(withSpec(c.Instance, c.Spec), StatusExisting))
	}
	for i, node := range nodes {
		result, ok := s.Result(i)
		if !ok {
			rows = append(rows, Row{Name: node.Name, Flavor: node.Flavor, Image: node.Image, AZ: node.AvailabilityZone, SSHKey: node.KeyPair, Status: "running"})
			continue
		}
		status := string(result.Status)
		if result.FailedStep != "" {
			status = fmt.Sprintf("%s (%s)", status, result.FailedStep)
		}
		info := withSpec(result.Instance, node)
		if info.InstanceID == "" {
			info.InstanceID = result.InstanceID
		}
		rows = append(rows, RowFromInstance(info, status))
	}
	return rows
}

func withSpec(info types.InstanceInfo, spec types.NodeSpec) types.InstanceInfo {
	if info.NodeName == "" {
		info.NodeName = spec.Name
	}
	if info.Flavor == "" {
		info.Flavor = spec.Flavor
	}
	if info.Image == "" {
		info.Image = spec.Image
	}
	if info.AvailabilityZone == "" {
		info.AvailabilityZone = spec.AvailabilityZone
	}
	if info.KeyName == "" {
		info.KeyName = spec.KeyPair
	}
	return info
}

// RenderTable renders rows as a bordered table under a title
func RenderTable(title string, rows []Row) string {
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, r.cells())
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusColumn && row >= 0 && row < len(cells) {
				return statusStyle(cells[row][col])
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(cells...)

	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(t.String())
	b.WriteString("\n")
	return b.String()
}

func (r Row) cells() []string {
	id := r.InstanceID
	if id == "" {
		id = "???"
	}
	created := ""
	if !r.CreatedAt.IsZero() {
		created = r.CreatedAt.UTC().Format(CreatedAtFormat)
	}
	return []string{r.Name, id, r.Flavor, r.Image, r.AZ, r.SSHKey, r.PublicIP, r.PrivateIP, created, r.Status}
}

func statusStyle(status string) lipgloss.Style {
	switch {
	case status == string(types.StatusSucceeded) || status == types.StateRunning || status == StatusExisting:
		return okStyle
	case strings.HasPrefix(status, string(types.StatusFailed)):
		return failStyle
	case strings.HasPrefix(status, string(types.StatusSkipped)):
		return warnStyle
	}
	return cellStyle
}

// Printer writes banners and notices to the operator's terminal
type Printer struct {
	w io.Writer
}

// NewPrinter creates a printer writing to w
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Banner prints a table of rows
func (p *Printer) Banner(title string, rows []Row) {
	fmt.Fprintln(p.w, RenderTable(title, rows))
}

// Note prints a dimmed line
func (p *Printer) Note(format string, args ...any) {
	fmt.Fprintln(p.w, noteStyle.Render(fmt.Sprintf(format, args...)))
}

// Undefined lists servers that block the launch
func (p *Printer) Undefined(servers []types.UndefinedServer) {
	if len(servers) == 0 {
		return
	}
	fmt.Fprintln(p.w, failStyle.UnsetPadding().Render("Servers in an undefined state:"))
	for _, u := range servers {
		name := u.Instance.NodeName
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(p.w, "  %s  %s  %s  %s\n", name, u.Instance.InstanceID, u.Instance.State, u.Reason)
	}
}
