package logcollect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/retry"
)

// SSHConfig configures remote collection
type SSHConfig struct {
	User                  string
	Port                  int
	KeyFile               string
	KnownHosts            string
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
	Retry                 retry.Config
}

// SSHDialer keeps one SSH client per host and reuses it across ticks
type SSHDialer struct {
	cfg       SSHConfig
	clientCfg *ssh.ClientConfig
	logger    *logging.Logger
	agentConn net.Conn

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHDialer prepares authentication and host key checking. Keys come
// from KeyFile and from ssh-agent when SSH_AUTH_SOCK is set.
func NewSSHDialer(cfg SSHConfig, logger *logging.Logger) (*SSHDialer, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.User == "" {
		if u, err := user.Current(); err == nil {
			cfg.User = u.Username
		}
	}

	d := &SSHDialer{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*ssh.Client),
	}

	var signers []ssh.Signer
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(expandHome(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key %s: %w", cfg.KeyFile, err)
		}
		signers = append(signers, signer)
	}

	var auth []ssh.AuthMethod
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			logger.Warn("ssh-agent unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			d.agentConn = conn
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials: set collection.ssh.key_file or run an ssh-agent")
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.clientCfg = &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}
	return d, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHosts
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Dial returns a Source backed by a cached client for host
func (d *SSHDialer) Dial(ctx context.Context, host string) (Source, error) {
	d.mu.Lock()
	client, ok := d.clients[host]
	d.mu.Unlock()
	if ok {
		return &sshSource{dialer: d, host: host, client: client}, nil
	}

	addr := net.JoinHostPort(host, strconv.Itoa(d.cfg.Port))
	err := retry.Do(ctx, d.cfg.Retry, func() error {
		var err error
		client, err = d.dial(ctx, addr)
		if err != nil {
			d.logger.Debug("SSH dial failed", map[string]interface{}{"host": host, "error": err.Error()})
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ssh to %s: %w", host, err)
	}

	d.mu.Lock()
	if existing, ok := d.clients[host]; ok {
		// Lost a race with another dial
		client.Close()
		client = existing
	} else {
		d.clients[host] = client
	}
	d.mu.Unlock()

	return &sshSource{dialer: d, host: host, client: client}, nil
}

func (d *SSHDialer) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(d.cfg.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, d.clientCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// drop forgets a broken client so the next tick redials
func (d *SSHDialer) drop(host string, client *ssh.Client) {
	d.mu.Lock()
	if d.clients[host] == client {
		delete(d.clients, host)
	}
	d.mu.Unlock()
	client.Close()
}

// Close closes every cached client and the agent connection
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for host, c := range d.clients {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
		}
		delete(d.clients, host)
	}
	if d.agentConn != nil {
		d.agentConn.Close()
		d.agentConn = nil
	}
	return errors.Join(errs...)
}

// sshSource runs coreutils on the remote host
type sshSource struct {
	dialer *SSHDialer
	host   string
	client *ssh.Client
}

func (s *sshSource) Size(ctx context.Context, path string) (int64, error) {
	var out bytes.Buffer
	if err := s.run(ctx, sizeCommand(path), &out); err != nil {
		return 0, err
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return 0, os.ErrNotExist
	}
	size, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected size output %q", text)
	}
	return size, nil
}

func (s *sshSource) CopyRange(ctx context.Context, path string, offset, n int64, w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := s.run(ctx, rangeCommand(path, offset, n), cw)
	return cw.n, err
}

func (s *sshSource) run(ctx context.Context, cmd string, stdout io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		s.dialer.drop(s.host, s.client)
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdout = stdout
	session.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	if err := session.Run(cmd); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return err
	}
	return nil
}

// sizeCommand prints the file size, or nothing when the file is absent
func sizeCommand(path string) string {
	q := shellQuote(path)
	return fmt.Sprintf("if [ -e %s ]; then wc -c < %s; fi", q, q)
}

// rangeCommand prints n bytes starting at offset
func rangeCommand(path string, offset, n int64) string {
	return fmt.Sprintf("tail -c +%d %s | head -c %d", offset+1, shellQuote(path), n)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
