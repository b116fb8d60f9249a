package types

// BootstrapRequest carries everything the configuration-apply step needs to reach and configure a node
type BootstrapRequest struct {
	Node       NodeSpec `json:"node" yaml:"node"`
	Host       string   `json:"host" yaml:"host"`
	Port       int      `json:"port" yaml:"port"`
	NodeName   string   `json:"node_name" yaml:"node_name"` // name the node registers under
	InstanceID string   `json:"instance_id" yaml:"instance_id"`
	RunList    []string `json:"run_list" yaml:"run_list"`

	// Connection
	SSHUser      string `json:"ssh_user" yaml:"ssh_user"`
	IdentityFile string `json:"identity_file,omitempty" yaml:"identity_file,omitempty"`
	SSHPassword  string `json:"-" yaml:"-"`
	UseSudo      bool   `json:"use_sudo" yaml:"use_sudo"`

	// Script
	Distro           string `json:"distro" yaml:"distro"`
	TemplateFile     string `json:"template_file,omitempty" yaml:"template_file,omitempty"`
	Prerelease       bool   `json:"prerelease" yaml:"prerelease"`
	RunsInitialApply bool   `json:"runs_initial_apply" yaml:"runs_initial_apply"`
}
