// Package network provides the QUIC transport for reconciliation links:
// long-lived bidirectional connections carrying length-prefixed frames.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"erlaynet/internal/proto"
)

const alpn = "erlaynet-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. Link
// authentication happens at the protocol layer; TLS here only provides
// the encrypted QUIC channel.
func devTLSCert() (tls.Certificate, error) {
	seed := sha256.Sum256([]byte("erlaynet-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
}

// Conn is one reconciliation link: a single bidirectional stream over a
// QUIC connection, read and written as frames.
type Conn struct {
	conn    *quic.Conn
	stream  *quic.Stream
	inbound bool
}

// Inbound reports the connection direction, which fixes the
// reconciliation roles on this link.
func (c *Conn) Inbound() bool {
	return c.inbound
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// ReadFrame blocks for the next message, applying the per-type size
// caps.
func (c *Conn) ReadFrame() ([]byte, error) {
	return proto.ReadFrame(c.stream)
}

func (c *Conn) WriteFrame(payload []byte) error {
	return proto.WriteFrame(c.stream, payload)
}

func (c *Conn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "")
}

// Listener accepts reconciliation links.
type Listener struct {
	inner *quic.Listener
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	inner, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: inner}, nil
}

func (l *Listener) Addr() string {
	return l.inner.Addr().String()
}

func (l *Listener) Close() error {
	return l.inner.Close()
}

// Accept blocks for the next inbound link. The peer opens the stream,
// so the first frame is already on its way when Accept returns.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &Conn{conn: conn, stream: stream, inbound: true}, nil
}

// Dial opens an outbound link and its stream.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &Conn{conn: conn, stream: stream, inbound: false}, nil
}
