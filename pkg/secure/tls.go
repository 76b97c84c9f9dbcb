package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benmeehan/iot-tunnel/pkg/file"
)

// TLSDialer dials the upstream over TLS.
type TLSDialer struct {
	Config  *tls.Config
	Timeout time.Duration
}

// NewTLSDialer builds a TLSDialer. An empty caCertPath uses the system pool.
func NewTLSDialer(caCertPath, serverName string, insecureSkipVerify bool, timeout time.Duration, fileClient file.FileOperations) (*TLSDialer, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify,
	}

	if caCertPath != "" {
		caCert, err := fileClient.ReadFileRaw(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s", caCertPath)
		}
		cfg.RootCAs = pool
	}

	return &TLSDialer{Config: cfg, Timeout: timeout}, nil
}

// Dial connects the TCP socket. The TLS handshake runs in Handshake.
func (d *TLSDialer) Dial(ctx context.Context, hostname string, port int) (Channel, error) {
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: d.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	cfg := d.Config.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = hostname
	}
	return &tlsChannel{conn: tls.Client(raw, cfg)}, nil
}

type tlsChannel struct {
	conn      *tls.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *tlsChannel) Handshake(ctx context.Context) error {
	return c.conn.HandshakeContext(ctx)
}

func (c *tlsChannel) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *tlsChannel) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *tlsChannel) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}
