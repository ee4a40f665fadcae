package engine

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "mitmctl/internal/errors"
	"mitmctl/internal/retry"
	"mitmctl/internal/tunnelcfg"
	"mitmctl/util"
)

// SSHConfig holds everything needed to drive an engine binary on a
// device reachable over SSH.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAliveInterval is how often the device link is checked while
	// the engine runs.  Zero disables keepalives.
	KeepAliveInterval time.Duration

	// Command is the engine binary on the device.  The session
	// configuration is appended as flags (see tunnelcfg.Config.Args).
	Command string

	// Dial paces the connect attempts of one Start; Cooldown benches
	// a device that keeps failing across Starts.
	Dial     *retry.Schedule
	Cooldown *retry.Cooldown
}

type sshState int

const (
	sshIdle sshState = iota
	sshStarting
	sshActive
)

// SSH implements [Engine] by running the engine command on a remote
// device.  The interface is up while the remote command runs: Started
// is published once the command has been launched, Stopped when it
// exits for any reason.
type SSH struct {
	Broker

	config *SSHConfig
	logger *util.Logger

	mu      sync.Mutex
	state   sshState
	cancel  context.CancelFunc
	client  *ssh.Client
	session *ssh.Session
}

// NewSSH creates an engine that is ready to Start.
func NewSSH(cfg *SSHConfig, logger *util.Logger) *SSH {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	if cfg.Command == "" {
		cfg.Command = "mitm-engine"
	}
	if cfg.Dial == nil {
		cfg.Dial = retry.DeviceDial()
	}
	if cfg.Cooldown == nil {
		cfg.Cooldown = retry.NewCooldown(0, 0)
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &SSH{config: cfg, logger: logger}
}

// IsActive implements [Engine].
func (e *SSH) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == sshActive
}

// Start implements [Engine].  Connecting happens in the background.
func (e *SSH) Start(cfg tunnelcfg.Config) error {
	if err := cfg.Check(); err != nil {
		return ncerr.EngineStart(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != sshIdle {
		return ncerr.EngineStart(ncerr.ErrEngineActive)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.state = sshStarting
	e.cancel = cancel

	go e.run(ctx, cfg)
	return nil
}

// Stop implements [Engine].
func (e *SSH) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case sshIdle:
		return nil
	case sshStarting:
		e.logger.Verbose("ssh: aborting startup")
		e.cancel()
	case sshActive:
		e.logger.Verbose("ssh: stopping remote engine")
		e.cancel()
		if e.session != nil {
			_ = e.session.Signal(ssh.SIGTERM)
			_ = e.session.Close()
		}
	}
	return nil
}

func (e *SSH) run(ctx context.Context, cfg tunnelcfg.Config) {
	defer e.finish()

	client, err := e.connect(ctx)
	if err != nil {
		e.logger.Error("engine connect: %v", err)
		return
	}

	session, err := client.NewSession()
	if err != nil {
		e.logger.Error("engine session: %v", ncerr.WrapSSH("session", e.config.Host, e.config.Port, err))
		client.Close()
		return
	}

	cmd := shellJoin(append([]string{e.config.Command}, cfg.Args()...))
	e.logger.Debug("ssh: exec %s", cmd)
	if err := session.Start(cmd); err != nil {
		e.logger.Error("engine exec: %v", err)
		session.Close()
		client.Close()
		return
	}

	e.mu.Lock()
	if ctx.Err() != nil {
		// Stop arrived while we were launching.
		e.mu.Unlock()
		_ = session.Signal(ssh.SIGTERM)
		session.Close()
		client.Close()
		return
	}
	e.state = sshActive
	e.client = client
	e.session = session
	e.mu.Unlock()

	e.logger.Info("remote engine up on %s (%s)", e.config.Host, cfg.Target())
	e.Publish(EventStarted)

	if e.config.KeepAliveInterval > 0 {
		go e.keepalive(ctx, client)
	}

	if err := session.Wait(); err != nil && ctx.Err() == nil {
		e.logger.Warn("remote engine exited: %v", err)
	}
}

// keepalive pings the device link and closes the client when a ping
// fails, which ends the remote command and so reports the interface
// as down.
func (e *SSH) keepalive(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(e.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				if ctx.Err() == nil {
					e.logger.Error("device keepalive failed: %v", err)
				}
				client.Close()
				return
			}
			e.logger.Debug("ssh: keepalive ok")
		}
	}
}

// finish resets to idle and reports the interface as down.
func (e *SSH) finish() {
	e.mu.Lock()
	if e.session != nil {
		e.session.Close()
		e.session = nil
	}
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.state = sshIdle
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()

	e.Publish(EventStopped)
}

// connect dials the device unless it is cooling down, retrying
// transient failures on the dial schedule.  Authentication and host-key
// problems are not retried.
func (e *SSH) connect(ctx context.Context) (*ssh.Client, error) {
	authMethods, err := buildAuthMethods(e.config)
	if err != nil {
		return nil, ncerr.WrapSSH("auth", e.config.Host, e.config.Port, err)
	}
	hkCallback, err := hostKeyCallback(e.config)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", e.config.Host, e.config.Port, err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            e.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         e.config.ConnTimeout,
	}

	sched := *e.config.Dial
	sched.OnRetry = func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("engine dial %d failed: %v (retry in %v)", attempt, err, wait.Truncate(time.Millisecond))
	}

	var client *ssh.Client
	err = e.config.Cooldown.Do(func() error {
		return sched.Run(ctx, func(_ int) error {
			c, err := e.dialOnce(ctx, clientCfg)
			if err != nil {
				return err
			}
			client = c
			return nil
		})
	})
	return client, err
}

func (e *SSH) dialOnce(ctx context.Context, clientCfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := util.FormatAddr(e.config.Host, e.config.Port)
	e.logger.Debug("ssh: dialing %s as %s", addr, e.config.User)

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.WrapSSH("dial", e.config.Host, e.config.Port, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientCfg)
	if err != nil {
		tcpConn.Close()
		// A rejected key will be rejected again.
		return nil, retry.Permanent(ncerr.WrapSSH("handshake", e.config.Host, e.config.Port, err))
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

// shellJoin quotes args for a POSIX shell on the device.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && strings.IndexFunc(a, needsQuote) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./:=,@+", r):
		return false
	}
	return true
}

// String describes the engine target for logs.
func (e *SSH) String() string {
	return fmt.Sprintf("ssh://%s@%s", e.config.User, util.FormatAddr(e.config.Host, e.config.Port))
}
