package bootstrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Target holds the SSH connection details of one node
type Target struct {
	Host         string
	Port         int
	User         string
	IdentityFile string
	Password     string
}

// TargetFor extracts the connection details of a bootstrap request
func TargetFor(req types.BootstrapRequest) Target {
	return Target{
		Host:         req.Host,
		Port:         req.Port,
		User:         req.SSHUser,
		IdentityFile: req.IdentityFile,
		Password:     req.SSHPassword,
	}
}

// Addr returns host:port, defaulting the port to 22
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// authMethods prefers the identity file and falls back to the password
func (t Target) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if t.IdentityFile != "" {
		key, err := os.ReadFile(t.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", t.IdentityFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no identity file or password for %s@%s", t.User, t.Host)
	}
	return methods, nil
}

// SSHRunner opens one SSH connection per command
type SSHRunner struct {
	DialTimeout     time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// Run connects to the target, feeds cmd.Stdin to cmd.Command and waits for it to exit.
// Cancelling ctx closes the connection.
func (r *SSHRunner) Run(ctx context.Context, cmd Command) (string, error) {
	auth, err := cmd.Target.authMethods()
	if err != nil {
		return "", err
	}

	timeout := r.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	hostKeyCallback := r.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // freshly created hosts
	}

	clientConfig := &ssh.ClientConfig{
		User:            cmd.Target.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := cmd.Target.Addr()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// Closing the raw connection also tears down the client built on it
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// ClientConfig.Timeout only covers ssh.Dial, so bound the handshake here
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("failed to set handshake deadline on %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = sshConn.Close()
		return "", fmt.Errorf("failed to clear handshake deadline on %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session on %s: %w", addr, err)
	}
	defer func() { _ = session.Close() }()

	session.Stdin = strings.NewReader(cmd.Stdin)
	output, err := session.CombinedOutput(cmd.Command)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(output), ctxErr
	}
	if err != nil {
		return string(output), fmt.Errorf("command %q failed on %s: %w", cmd.Command, addr, err)
	}
	return string(output), nil
}
