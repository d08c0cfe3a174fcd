package tester

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

// Protocol selects the HTTP version used for transfers
type Protocol string

const (
	ProtocolHTTP1 Protocol = "h1"
	ProtocolHTTP2 Protocol = "h2"
	ProtocolHTTP3 Protocol = "h3"
)

// ParseProtocol converts a flag or config value to a Protocol
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolHTTP1, ProtocolHTTP2, ProtocolHTTP3:
		return p, nil
	case "":
		return ProtocolHTTP1, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (use h1, h2 or h3)", s)
	}
}

// NewHTTPClient creates a client for protocol against a target with the given
// URL scheme. The client has no overall timeout: transfers are bounded by the
// phase context instead.
func NewHTTPClient(protocol Protocol, scheme string, insecure bool) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: insecure}

	switch protocol {
	case ProtocolHTTP1:
		tlsConfig.NextProtos = []string{"http/1.1"}
		return &http.Client{Transport: newHTTP1Transport(dialer, tlsConfig)}, nil

	case ProtocolHTTP2:
		if scheme == "http" {
			// Prior-knowledge cleartext HTTP/2, served by the h2c listener.
			return &http.Client{Transport: &http2.Transport{
				AllowHTTP:          true,
				DisableCompression: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					return dialer.DialContext(ctx, network, addr)
				},
			}}, nil
		}
		transport := newHTTP1Transport(dialer, tlsConfig)
		transport.ForceAttemptHTTP2 = true
		transport.TLSNextProto = nil
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("failed to configure http2 transport: %w", err)
		}
		return &http.Client{Transport: transport}, nil

	case ProtocolHTTP3:
		if scheme != "https" {
			return nil, fmt.Errorf("h3 requires an https target, got %q", scheme)
		}
		return &http.Client{Transport: &http3.Transport{
			TLSClientConfig:    tlsConfig,
			DisableCompression: true,
		}}, nil

	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}
}

func newHTTP1Transport(dialer *net.Dialer, tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   false,
		// A non-nil empty map disables the automatic HTTP/2 upgrade.
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		DisableCompression:  true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
}

// CloseClient releases the connections held by a client from NewHTTPClient
func CloseClient(client *http.Client) {
	if client == nil {
		return
	}
	if closer, ok := client.Transport.(io.Closer); ok {
		_ = closer.Close()
		return
	}
	client.CloseIdleConnections()
}
