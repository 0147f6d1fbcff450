// Package iiod is a small client for the ASCII protocol spoken by the IIO
// daemon (iiod). It covers what a sensor poller needs: fetching the context
// description and reading or writing attributes.
package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultPort is the TCP port iiod listens on.
const DefaultPort = "30431"

// maxPayload caps the length a server may announce for a single reply.
const maxPayload = 16 << 20

// StatusError is a negative errno returned by the server.
type StatusError struct {
	Cmd  string
	Code int
}

func (e *StatusError) Error() string {
	errno := syscall.Errno(-e.Code)
	return fmt.Sprintf("iiod %s: status %d (%s)", e.Cmd, e.Code, errno.Error())
}

// Is lets callers match a StatusError against syscall errno values.
func (e *StatusError) Is(target error) bool {
	errno, ok := target.(syscall.Errno)
	return ok && int(errno) == -e.Code
}

// Client is a single ASCII-mode connection to iiod. Commands are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	Timeout time.Duration
}

// NormalizeAddr turns a libiio-style URI ("ip:pluto.local") or bare host into
// host:port, adding DefaultPort when no port is given.
func NormalizeAddr(addr string) string {
	addr = strings.TrimPrefix(strings.TrimSpace(addr), "ip:")
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), DefaultPort)
}

// Dial connects to iiod at addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	target := NormalizeAddr(addr)
	if target == "" {
		return nil, errors.New("iiod: empty address")
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("connect to iiod at %s: %w", target, err)
	}
	c := NewClient(conn)
	if timeout > 0 {
		c.Timeout = timeout
	}
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		Timeout: 5 * time.Second,
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Version returns the server's "major.minor.tag" version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return "", err
	}
	if err := c.writeLine("VERSION"); err != nil {
		return "", err
	}
	return c.readLine()
}

// ContextXML returns the raw XML context description (PRINT).
func (c *Client) ContextXML(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	return c.execRead("PRINT")
}

// Context fetches and parses the context description.
func (c *Client) Context(ctx context.Context) (*Context, error) {
	raw, err := c.ContextXML(ctx)
	if err != nil {
		return nil, err
	}
	return ParseContext(raw)
}

// ReadAttr reads a device attribute.
func (c *Client) ReadAttr(ctx context.Context, dev, attr string) (string, error) {
	if dev == "" || attr == "" {
		return "", errors.New("iiod: device and attribute are required")
	}
	return c.read(ctx, fmt.Sprintf("READ %s %s", dev, attr))
}

// WriteAttr writes a device attribute.
func (c *Client) WriteAttr(ctx context.Context, dev, attr, value string) error {
	if dev == "" || attr == "" {
		return errors.New("iiod: device and attribute are required")
	}
	return c.write(ctx, fmt.Sprintf("WRITE %s %s", dev, attr), value)
}

func (c *Client) read(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return "", err
	}
	payload, err := c.execRead(cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(payload), "\x00\r\n"), nil
}

// write sends "<cmd> <len>" followed by the raw value. libiio does not append
// a newline to the value.
func (c *Client) write(ctx context.Context, cmd, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return err
	}
	if err := c.writeLine(fmt.Sprintf("%s %d", cmd, len(value))); err != nil {
		return err
	}
	if _, err := io.WriteString(c.conn, value); err != nil {
		return fmt.Errorf("iiod write payload: %w", err)
	}
	status, err := c.readInteger()
	if err != nil {
		return err
	}
	if status < 0 {
		return &StatusError{Cmd: firstWord(cmd), Code: status}
	}
	return nil
}

// execRead sends cmd and reads the length-prefixed reply.
func (c *Client) execRead(cmd string) ([]byte, error) {
	if err := c.writeLine(cmd); err != nil {
		return nil, err
	}
	n, err := c.readInteger()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, &StatusError{Cmd: firstWord(cmd), Code: n}
	}
	if n > maxPayload {
		return nil, fmt.Errorf("iiod %s: reply length %d exceeds limit", firstWord(cmd), n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("iiod %s: read payload: %w", firstWord(cmd), err)
	}
	// The payload is followed by a newline.
	if b, err := c.r.ReadByte(); err == nil && b != '\n' {
		_ = c.r.UnreadByte()
	}
	return buf, nil
}

func (c *Client) begin(ctx context.Context) error {
	if c.conn == nil {
		return errors.New("iiod: not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok && c.Timeout > 0 {
		deadline = time.Now().Add(c.Timeout)
	}
	return c.conn.SetDeadline(deadline)
}

func (c *Client) writeLine(cmd string) error {
	if _, err := io.WriteString(c.conn, cmd+"\r\n"); err != nil {
		return fmt.Errorf("iiod %s: %w", firstWord(cmd), err)
	}
	return nil
}

func (c *Client) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("iiod read line: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readInteger reads one status line, skipping blank lines the server may
// leave behind after a payload.
func (c *Client) readInteger() (int, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return 0, err
		}
		if line == "" {
			continue
		}
		v, err := strconv.Atoi(line)
		if err != nil {
			return 0, fmt.Errorf("iiod: malformed status %q", line)
		}
		return v, nil
	}
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
