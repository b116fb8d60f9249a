package bootstrap

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

type recordingRunner struct {
	commands []Command
	output   string
	err      error
}

func (r *recordingRunner) Run(ctx context.Context, cmd Command) (string, error) {
	r.commands = append(r.commands, cmd)
	return r.output, r.err
}

func testRequest() types.BootstrapRequest {
	return types.BootstrapRequest{
		Node:       types.NodeSpec{Name: "demo-web-0", Cluster: "demo", Facet: "web"},
		Host:       "ec2-1-2-3-4.compute.amazonaws.com",
		Port:       22,
		NodeName:   "i-0abc",
		InstanceID: "i-0abc",
		RunList:    []string{"role[base]", "role[web]"},
		SSHUser:    "ubuntu",
		UseSudo:    true,
		Distro:     "ubuntu10.04-gems",
	}
}

func TestRenderScriptDefaultTemplate(t *testing.T) {
	req := testRequest()
	script, err := RenderScript(req, Settings{ServerURL: "https://chef.example.com", ValidationKey: "KEY\n"})
	require.NoError(t, err)

	assert.Contains(t, script, `node_name        "i-0abc"`)
	assert.Contains(t, script, `chef_server_url  "https://chef.example.com"`)
	assert.Contains(t, script, "\"role[base]\",\n    \"role[web]\"")
	assert.Contains(t, script, "gem install chef")
	assert.NotContains(t, script, "--prerelease")
	assert.Contains(t, script, "KEY\nVALIDATION_KEY")
	assert.NotContains(t, script, "chef-client -j /etc/chef/first-boot.json\n", "no initial run unless requested")
}

func TestRenderScriptOptions(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*types.BootstrapRequest)
		contains []string
		absent   []string
	}{
		{
			name:     "prerelease gems",
			modify:   func(r *types.BootstrapRequest) { r.Prerelease = true },
			contains: []string{"--prerelease"},
		},
		{
			name:     "package install",
			modify:   func(r *types.BootstrapRequest) { r.Distro = "ubuntu22.04" },
			contains: []string{"omnitruck.chef.io"},
			absent:   []string{"gem install chef"},
		},
		{
			name:     "initial apply",
			modify:   func(r *types.BootstrapRequest) { r.RunsInitialApply = true },
			contains: []string{"chef-client -j /etc/chef/first-boot.json"},
			absent:   []string{"Bootstrap prepared"},
		},
		{
			name:     "empty run list",
			modify:   func(r *types.BootstrapRequest) { r.RunList = nil },
			contains: []string{`"run_list": []`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.modify(&req)
			script, err := RenderScript(req, Settings{})
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, script, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, script, s)
			}
		})
	}
}

func TestRenderScriptTemplateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.sh.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`echo {{ .NodeName }} {{ join .RunList "," }}`), 0644))

	req := testRequest()
	req.TemplateFile = path
	script, err := RenderScript(req, Settings{})
	require.NoError(t, err)
	assert.Equal(t, "echo i-0abc role[base],role[web]", script)

	req.TemplateFile = filepath.Join(dir, "missing.tmpl")
	_, err = RenderScript(req, Settings{})
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.tmpl")
	require.NoError(t, os.WriteFile(bad, []byte(`{{ .Nope }}`), 0644))
	req.TemplateFile = bad
	_, err = RenderScript(req, Settings{})
	assert.Error(t, err)
}

func TestSSHBootstrapperRunsScript(t *testing.T) {
	runner := &recordingRunner{output: "installing\n\ndone\n"}
	b := NewWithRunner(zaptest.NewLogger(t), runner, Settings{})

	req := testRequest()
	req.SSHPassword = "secret"
	require.NoError(t, b.Bootstrap(context.Background(), req))

	require.Len(t, runner.commands, 1)
	cmd := runner.commands[0]
	assert.Equal(t, "sudo bash -s", cmd.Command)
	assert.Contains(t, cmd.Stdin, `node_name        "i-0abc"`)
	assert.Equal(t, "ec2-1-2-3-4.compute.amazonaws.com:22", cmd.Target.Addr())
	assert.Equal(t, "ubuntu", cmd.Target.User)
	assert.Equal(t, "secret", cmd.Target.Password)

	req.UseSudo = false
	require.NoError(t, b.Bootstrap(context.Background(), req))
	assert.Equal(t, "bash -s", runner.commands[1].Command)
}

func TestSSHBootstrapperErrors(t *testing.T) {
	boom := errors.New("exit status 1")
	runner := &recordingRunner{err: boom}
	b := NewWithRunner(zaptest.NewLogger(t), runner, Settings{})

	err := b.Bootstrap(context.Background(), testRequest())
	assert.ErrorIs(t, err, boom)

	req := testRequest()
	req.Host = ""
	assert.Error(t, b.Bootstrap(context.Background(), req))

	req = testRequest()
	req.SSHUser = ""
	assert.Error(t, b.Bootstrap(context.Background(), req))
	assert.Len(t, runner.commands, 1, "invalid requests never reach the runner")
}

func TestTargetAuthMethods(t *testing.T) {
	dir := t.TempDir()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "test")
	require.NoError(t, err)
	keyFile := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600))

	badFile := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(badFile, []byte("not a key"), 0600))

	tests := []struct {
		name    string
		target  Target
		methods int
		wantErr bool
	}{
		{name: "key", target: Target{IdentityFile: keyFile}, methods: 1},
		{name: "password", target: Target{Password: "secret"}, methods: 1},
		{name: "key and password", target: Target{IdentityFile: keyFile, Password: "secret"}, methods: 2},
		{name: "nothing", target: Target{User: "ubuntu", Host: "h"}, wantErr: true},
		{name: "missing key", target: Target{IdentityFile: filepath.Join(dir, "missing")}, wantErr: true},
		{name: "unparseable key", target: Target{IdentityFile: badFile}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods, err := tt.target.authMethods()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, methods, tt.methods)
		})
	}
}

// silentServer accepts TCP connections and never sends an SSH banner
func silentServer(t *testing.T) Target {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				_ = c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Target{Host: "127.0.0.1", Port: addr.Port, User: "ubuntu", Password: "secret"}
}

func runWithin(t *testing.T, limit time.Duration, fn func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("Run still blocked after %s", limit)
		return nil
	}
}

func TestSSHRunnerStalledHandshake(t *testing.T) {
	t.Run("handshake deadline", func(t *testing.T) {
		target := silentServer(t)
		runner := &SSHRunner{DialTimeout: 200 * time.Millisecond}

		err := runWithin(t, 5*time.Second, func() error {
			_, err := runner.Run(context.Background(), Command{Target: target, Command: "true"})
			return err
		})
		assert.ErrorContains(t, err, "handshake")
	})

	t.Run("cancellation during handshake", func(t *testing.T) {
		target := silentServer(t)
		runner := &SSHRunner{DialTimeout: time.Minute}

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err := runWithin(t, 5*time.Second, func() error {
			_, err := runner.Run(ctx, Command{Target: target, Command: "true"})
			return err
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestTargetAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", Target{Host: "10.0.0.1"}.Addr())
	assert.Equal(t, "[::1]:2222", Target{Host: "::1", Port: 2222}.Addr())
}

func TestSimulatedRecordsRequests(t *testing.T) {
	s := NewSimulated(zaptest.NewLogger(t), Settings{})
	require.NoError(t, s.Bootstrap(context.Background(), testRequest()))
	require.Len(t, s.Requests(), 1)
	assert.Equal(t, "i-0abc", s.Requests()[0].NodeName)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Bootstrap(ctx, testRequest()), context.Canceled)
	assert.Len(t, s.Requests(), 1)
}
