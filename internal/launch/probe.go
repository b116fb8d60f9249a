package launch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Dialer opens TCP connections; *net.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type probeOutcome string

const (
	outcomeConnected   probeOutcome = "connected"
	outcomeRefused     probeOutcome = "refused"
	outcomeTimeout     probeOutcome = "timeout"
	outcomeUnreachable probeOutcome = "unreachable"
)

// SSHProber waits until a host accepts TCP connections on its SSH port and sends a banner.
//
// Retry behaviour per attempt outcome:
//   - connected: done, no further wait
//   - refused: sleep RefusedBackoff, retry
//   - timeout: retry immediately
//   - anything else: sleep RetryDelay, retry
type SSHProber struct {
	logger  *zap.Logger
	dialer  Dialer
	clock   Clock
	metrics *Metrics

	Port           int
	InitialDelay   time.Duration
	RefusedBackoff time.Duration
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	MaxWait        time.Duration // zero means wait until the context ends
}

// NewSSHProber creates a prober configured from launch options
func NewSSHProber(logger *zap.Logger, dialer Dialer, clock Clock, metrics *Metrics, opts Options) *SSHProber {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if clock == nil {
		clock = RealClock()
	}
	return &SSHProber{
		logger:         logger,
		dialer:         dialer,
		clock:          clock,
		metrics:        metrics,
		Port:           opts.SSHPort,
		InitialDelay:   opts.InitialSSHDelay,
		RefusedBackoff: opts.SSHRefusedBackoff,
		AttemptTimeout: opts.SSHProbeTimeout,
		RetryDelay:     opts.SSHRetryDelay,
		MaxWait:        opts.ProbeTimeout,
	}
}

// Wait blocks until host answers on the SSH port. It returns the number of attempts made.
func (p *SSHProber) Wait(ctx context.Context, host string) (int, error) {
	if host == "" {
		return 0, fmt.Errorf("instance has no reachable address")
	}
	if p.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.MaxWait)
		defer cancel()
	}

	address := net.JoinHostPort(host, strconv.Itoa(p.Port))

	// sshd is rarely up the moment the instance reports running
	if err := p.clock.Sleep(ctx, p.InitialDelay); err != nil {
		return 0, fmt.Errorf("waiting for sshd on %s: %w", address, err)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("waiting for sshd on %s after %d attempts: %w", address, attempt-1, err)
		}

		outcome, banner, err := p.attempt(ctx, address)
		p.metrics.recordProbe(outcome)

		var delay time.Duration
		switch outcome {
		case outcomeConnected:
			p.logger.Debug("SSH is up",
				zap.String("address", address),
				zap.String("banner", banner),
				zap.Int("attempts", attempt))
			return attempt, nil
		case outcomeTimeout:
			p.logger.Debug("SSH probe timed out", zap.String("address", address), zap.Int("attempt", attempt))
			continue
		case outcomeRefused:
			delay = p.RefusedBackoff
		default:
			delay = p.RetryDelay
		}

		p.logger.Debug("SSH not ready",
			zap.String("address", address),
			zap.String("outcome", string(outcome)),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		if err := p.clock.Sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("waiting for sshd on %s after %d attempts: %w", address, attempt, err)
		}
	}
}

// attempt makes one connection and waits for the server to send something, all within AttemptTimeout
func (p *SSHProber) attempt(ctx context.Context, address string) (probeOutcome, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return classifyDialError(err), "", err
	}
	defer conn.Close()

	// One AttemptTimeout covers dial and banner together
	deadline, ok := dialCtx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.AttemptTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return outcomeUnreachable, "", err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && isTimeout(err) {
		return outcomeTimeout, "", err
	}
	// A readable socket counts, even if the peer closed it without a full line
	return outcomeConnected, strings.TrimSpace(line), nil
}

func classifyDialError(err error) probeOutcome {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return outcomeRefused
	case isTimeout(err):
		return outcomeTimeout
	default:
		return outcomeUnreachable
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
