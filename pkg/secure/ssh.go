package secure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benmeehan/iot-tunnel/pkg/file"
	"golang.org/x/crypto/ssh"
)

// SSHDialer carries the upstream stream inside one SSH channel.
type SSHDialer struct {
	Config      *ssh.ClientConfig
	ChannelType string
	Timeout     time.Duration
}

// NewSSHDialer loads the private key and, when hostKeyPath is set, pins the server key.
func NewSSHDialer(user, privateKeyPath, hostKeyPath, channelType string, timeout time.Duration, fileClient file.FileOperations) (*SSHDialer, error) {
	key, err := fileClient.ReadFileRaw(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if hostKeyPath != "" {
		raw, err := fileClient.ReadFileRaw(hostKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH host key: %w", err)
		}
		if len(raw) == 0 {
			return nil, errors.New("invalid SSH host key: empty file")
		}
		hostKey, _, _, _, err := ssh.ParseAuthorizedKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(hostKey)
	}

	return &SSHDialer{
		Config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		ChannelType: channelType,
		Timeout:     timeout,
	}, nil
}

// Dial connects the TCP socket. The SSH handshake and channel open run in Handshake.
func (d *SSHDialer) Dial(ctx context.Context, hostname string, port int) (Channel, error) {
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: d.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &sshChannel{raw: raw, addr: addr, config: d.Config, channelType: d.ChannelType}, nil
}

type sshChannel struct {
	raw         net.Conn
	addr        string
	config      *ssh.ClientConfig
	channelType string

	mu        sync.Mutex
	client    ssh.Conn
	channel   ssh.Channel
	closeOnce sync.Once
}

func (c *sshChannel) Handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.raw.SetDeadline(deadline)
		defer c.raw.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { c.raw.Close() })
	defer stop()

	conn, chans, reqs, err := ssh.NewClientConn(c.raw, c.addr, c.config)
	if err != nil {
		return fmt.Errorf("ssh handshake failed: %w", err)
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		for nc := range chans {
			nc.Reject(ssh.Prohibited, "no channels accepted")
		}
	}()

	channel, chReqs, err := conn.OpenChannel(c.channelType, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open %s channel: %w", c.channelType, err)
	}
	go ssh.DiscardRequests(chReqs)

	c.mu.Lock()
	c.client = conn
	c.channel = channel
	c.mu.Unlock()
	return nil
}

func (c *sshChannel) ready() ssh.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *sshChannel) Read(p []byte) (int, error) {
	ch := c.ready()
	if ch == nil {
		return 0, ErrNotReady
	}
	return ch.Read(p)
}

func (c *sshChannel) Write(p []byte) (int, error) {
	ch := c.ready()
	if ch == nil {
		return 0, ErrNotReady
	}
	return ch.Write(p)
}

func (c *sshChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.channel != nil {
			c.channel.Close()
		}
		if c.client != nil {
			err = c.client.Close()
		}
		c.raw.Close()
	})
	return err
}
