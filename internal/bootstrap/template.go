package bootstrap

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

//go:embed templates/default.sh.tmpl
var defaultTemplate string

var templateFuncs = template.FuncMap{
	"isGems": func(distro string) bool { return strings.HasSuffix(distro, "-gems") },
	"join":   strings.Join,
}

// scriptData is what a bootstrap template can reference
type scriptData struct {
	NodeName         string
	InstanceID       string
	Host             string
	Distro           string
	RunList          []string
	FirstBoot        string
	ServerURL        string
	ValidationKey    string
	Prerelease       bool
	RunsInitialApply bool
}

// RenderScript renders the bootstrap script for req. The embedded template is used
// unless req.TemplateFile names another one.
func RenderScript(req types.BootstrapRequest, settings Settings) (string, error) {
	name, text := "default", defaultTemplate
	if req.TemplateFile != "" {
		data, err := os.ReadFile(req.TemplateFile)
		if err != nil {
			return "", fmt.Errorf("failed to read bootstrap template: %w", err)
		}
		name, text = req.TemplateFile, string(data)
	}

	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse bootstrap template %s: %w", name, err)
	}

	firstBoot, err := firstBootJSON(req.RunList)
	if err != nil {
		return "", err
	}

	data := scriptData{
		NodeName:         req.NodeName,
		InstanceID:       req.InstanceID,
		Host:             req.Host,
		Distro:           req.Distro,
		RunList:          req.RunList,
		FirstBoot:        firstBoot,
		ServerURL:        settings.ServerURL,
		ValidationKey:    strings.TrimSpace(settings.ValidationKey),
		Prerelease:       req.Prerelease,
		RunsInitialApply: req.RunsInitialApply,
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render bootstrap template %s: %w", name, err)
	}
	return sb.String(), nil
}

func firstBootJSON(runList []string) (string, error) {
	if runList == nil {
		runList = []string{}
	}
	out, err := json.MarshalIndent(map[string][]string{"run_list": runList}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode first boot attributes: %w", err)
	}
	return string(out), nil
}
