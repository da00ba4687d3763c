package go_otdoa

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

const defaultPollWait = 5 * time.Millisecond

// Tcp is the Transport used on real networks: a plain or TLS TCP socket with
// a polling receive mode emulated through short read deadlines.
type Tcp struct {
	address   *net.TCPAddr
	conn      net.Conn
	tlsConfig *tls.Config
	blocking  bool
	pollWait  time.Duration
	dialer    net.Dialer
}

// NewTcp creates an unbound transport in blocking mode.
func NewTcp() *Tcp {
	return &Tcp{
		blocking: true,
		pollWait: defaultPollWait,
		dialer:   net.Dialer{Timeout: 30 * time.Second},
	}
}

// ResolveAddr resolves host, which may be a bare name, host:port, or a URL
// such as https://host/path. An explicit port in host wins over port.
func ResolveAddr(host string, port int) (*net.TCPAddr, error) {
	if u, err := url.Parse(host); err == nil && u.Scheme != "" && u.Host != "" {
		host = u.Host
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}
	return net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// SetupTLS configures server verification. caFile selects a custom root;
// empty uses the system pool. insecure skips verification (development only).
func (tcp *Tcp) SetupTLS(caFile string, insecure bool) error {
	tcp.tlsConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to parse CA certificate from %s", caFile)
		}
		tcp.tlsConfig.RootCAs = caPool
		Debug("Loaded CA certificate from %s", caFile)
	} else if roots, err := x509.SystemCertPool(); err == nil {
		tcp.tlsConfig.RootCAs = roots
	} else {
		Warning("Failed to load system CA pool: %v", err)
		tcp.tlsConfig.RootCAs = x509.NewCertPool()
	}

	if insecure {
		Warning("TLS certificate verification DISABLED - insecure mode active")
	}
	tcp.tlsConfig.InsecureSkipVerify = insecure
	return nil
}

func (tcp *Tcp) Bind(host string, port int) error {
	addr, err := ResolveAddr(host, port)
	if err != nil {
		return fmt.Errorf("otdoa: failed to resolve %s: %w", host, err)
	}
	tcp.Disconnect()
	tcp.address = addr
	Debug("Bound to %s (%s)", host, addr)
	return nil
}

func (tcp *Tcp) Unbind() error {
	err := tcp.Disconnect()
	tcp.address = nil
	return err
}

func (tcp *Tcp) Connect(ctx context.Context, serverName string, useTLS bool) error {
	if tcp.address == nil {
		return ErrNotBound
	}
	tcp.Disconnect()

	raw, err := tcp.dialer.DialContext(ctx, "tcp", tcp.address.String())
	if err != nil {
		return fmt.Errorf("otdoa: failed to dial %s: %w", tcp.address, err)
	}
	if !useTLS {
		Debug("Established TCP connection to %s", tcp.address)
		tcp.conn = raw
		return nil
	}

	if tcp.tlsConfig == nil {
		if err := tcp.SetupTLS("", false); err != nil {
			raw.Close()
			return err
		}
	}
	cfg := tcp.tlsConfig.Clone()
	cfg.ServerName = serverName
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return fmt.Errorf("otdoa: TLS handshake with %s failed: %w", serverName, err)
	}
	state := tlsConn.ConnectionState()
	Debug("TLS connection established: version=%s cipher=%s",
		tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
	tcp.conn = tlsConn
	return nil
}

func (tcp *Tcp) Send(p []byte) (int, error) {
	if tcp.conn == nil {
		return 0, ErrNotConnected
	}
	tcp.conn.SetWriteDeadline(time.Time{})
	return tcp.conn.Write(p)
}

func (tcp *Tcp) Recv(p []byte) (int, error) {
	if tcp.conn == nil {
		return 0, ErrNotConnected
	}
	if tcp.blocking {
		tcp.conn.SetReadDeadline(time.Time{})
	} else {
		tcp.conn.SetReadDeadline(time.Now().Add(tcp.pollWait))
	}
	n, err := tcp.conn.Read(p)
	if err == nil || n > 0 {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 0, ErrWouldBlock
	}
	return 0, err
}

func (tcp *Tcp) SetBlocking(blocking bool) error {
	tcp.blocking = blocking
	return nil
}

func (tcp *Tcp) Disconnect() error {
	if tcp.conn == nil {
		return nil
	}
	err := tcp.conn.Close()
	tcp.conn = nil
	return err
}

// IsConnected reports whether a connection is open.
func (tcp *Tcp) IsConnected() bool {
	return tcp.conn != nil
}
