package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Runner executes commands on a router over SSH. uci, flasher and iperf take
// this interface so they can be tested with fakes.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	Push(ctx context.Context, r io.Reader, remotePath string) error
}

// Client is a password-authenticated SSH runner. Every call dials a fresh
// connection: routers on the rig reboot between commands (sysupgrade, network
// restarts) and a held connection would just go stale.
type Client struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// NewClient returns a runner for root@host with the rig defaults.
func NewClient(host, password string) *Client {
	return &Client{
		Host:     host,
		Port:     22,
		User:     "root",
		Password: password,
		Timeout:  10 * time.Second,
	}
}

func (c *Client) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", port))
}

func (c *Client) dial() (*ssh.Client, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	config := &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(c.Password),
		},
		// Routers are reflashed constantly and regenerate host keys each time,
		// so pinning them would make every flash cycle fail.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	client, err := ssh.Dial("tcp", c.addr(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.addr(), err)
	}
	return client, nil
}

// Run executes a command on the router and returns its combined output.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	client, err := c.dial()
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session on %s: %w", c.Host, err)
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(command)
		done <- result{output, err}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		return "", fmt.Errorf("command %q on %s: %w", command, c.Host, ctx.Err())
	case res := <-done:
		output := strings.TrimRight(string(res.output), "\n")
		if res.err != nil {
			return output, fmt.Errorf("command %q on %s failed: %w", command, c.Host, res.err)
		}
		return output, nil
	}
}

// Push streams r into remotePath on the router through `cat`. Embedded images
// usually lack sftp-server, so this is the portable way to copy files.
func (c *Client) Push(ctx context.Context, r io.Reader, remotePath string) error {
	client, err := c.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session on %s: %w", c.Host, err)
	}
	defer session.Close()
	session.Stdin = r

	done := make(chan error, 1)
	go func() {
		done <- session.Run(fmt.Sprintf("cat > %s", remotePath))
	}()

	select {
	case <-ctx.Done():
		client.Close()
		return fmt.Errorf("push to %s:%s: %w", c.Host, remotePath, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to push to %s:%s: %w", c.Host, remotePath, err)
		}
		return nil
	}
}
