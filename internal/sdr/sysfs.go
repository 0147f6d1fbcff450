package sdr

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rjboer/refcheck/internal/logging"
)

// SSHConfig describes how to reach a board's IIO sysfs tree over SSH. It is
// the fallback when no iiod server runs on the target.
type SSHConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
}

func (c SSHConfig) withDefaults() SSHConfig {
	if c.User == "" {
		c.User = "root"
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.SysfsRoot == "" {
		c.SysfsRoot = "/sys/bus/iio/devices"
	}
	return c
}

// commandRunner executes a shell command on the target and returns stdout.
type commandRunner interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// sshRunner lazily dials and reuses one SSH client for every command.
type sshRunner struct {
	mu      sync.Mutex
	cfg     SSHConfig
	timeout time.Duration
	client  *ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, cmd string) (string, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(cmd)
		done <- result{out, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("ssh run %q: %w", firstField(cmd), res.err)
		}
		return string(res.out), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

func (r *sshRunner) dial(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	auth := []ssh.AuthMethod{}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}
	if r.cfg.KeyPath != "" {
		key, err := os.ReadFile(r.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User: r.cfg.User,
		Auth: auth,
		// Lab boards regenerate host keys on every firmware flash.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}

	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	r.client = ssh.NewClient(clientConn, chans, reqs)
	return r.client, nil
}

func (r *sshRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// sysfsTransport maps attribute access onto files under SysfsRoot.
type sysfsTransport struct {
	runner commandRunner
	root   string
}

// listScript prints "@<dir> <name>" per IIO device followed by its regular
// files, one per line.
const listScript = `cd %s && for d in iio:device*; do [ -d "$d" ] || continue; printf '@%%s %%s\n' "$d" "$(cat "$d/name" 2>/dev/null)"; ls -1p "$d" | grep -v /; done`

func (t *sysfsTransport) Nodes(ctx context.Context) ([]attrNode, error) {
	out, err := t.runner.Run(ctx, fmt.Sprintf(listScript, shellQuote(t.root)))
	if err != nil {
		return nil, err
	}
	return parseSysfsListing(out), nil
}

func (t *sysfsTransport) Read(ctx context.Context, dev, attr string) (string, error) {
	out, err := t.runner.Run(ctx, "cat "+shellQuote(t.attributePath(dev, attr)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (t *sysfsTransport) Write(ctx context.Context, dev, attr, value string) error {
	// printf keeps the shell from interpreting the value.
	cmd := fmt.Sprintf("printf %%s %s > %s", shellQuote(value), shellQuote(t.attributePath(dev, attr)))
	_, err := t.runner.Run(ctx, cmd)
	return err
}

func (t *sysfsTransport) Close() error { return t.runner.Close() }

func (t *sysfsTransport) attributePath(dev, attr string) string {
	return path.Join(t.root, dev, attr)
}

func parseSysfsListing(out string) []attrNode {
	var nodes []attrNode
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "@") {
			ref, name, _ := strings.Cut(line[1:], " ")
			nodes = append(nodes, attrNode{Ref: ref, Name: strings.TrimSpace(name)})
			continue
		}
		if len(nodes) == 0 {
			continue
		}
		last := &nodes[len(nodes)-1]
		last.Attrs = append(last.Attrs, line)
	}
	for i := range nodes {
		if nodes[i].Name == "" {
			nodes[i].Name = nodes[i].Ref
		}
	}
	return nodes
}

// newCommandRunner is swapped in tests.
var newCommandRunner = func(cfg SSHConfig, timeout time.Duration) commandRunner {
	return &sshRunner{cfg: cfg, timeout: timeout}
}

// openSysfs reaches the board over SSH. Recognized args: host, user,
// password, key, port, root, plus the attribute profile keys accepted by the
// iio backend.
func openSysfs(ctx context.Context, args Args, opts Options, log logging.Logger) (Device, error) {
	cfg := opts.SSH
	if v := args.Get("host"); v != "" {
		cfg.Host = v
	}
	if v := args.Get("user"); v != "" {
		cfg.User = v
	}
	if v := args.Get("password"); v != "" {
		cfg.Password = v
	}
	if v := args.Get("key"); v != "" {
		cfg.KeyPath = v
	}
	if v := args.Get("root"); v != "" {
		cfg.SysfsRoot = v
	}
	port, err := args.Int("port", cfg.Port)
	if err != nil {
		return nil, err
	}
	cfg.Port = port
	cfg = cfg.withDefaults()
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for the sysfs backend")
	}

	runner := newCommandRunner(cfg, opts.Timeout)
	t := &sysfsTransport{runner: runner, root: cfg.SysfsRoot}
	header := fmt.Sprintf("IIO sysfs at %s@%s:%d%s", cfg.User, cfg.Host, cfg.Port, cfg.SysfsRoot)
	dev, err := newAttrDevice(ctx, t, header, profileFromArgs(args, opts.Attr), log)
	if err != nil {
		_ = runner.Close()
		return nil, err
	}
	return dev, nil
}

// shellQuote returns a value wrapped in single quotes with embedded quotes escaped
// for safe shell usage.
func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return s
}
