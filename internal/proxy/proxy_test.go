package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/oblivion/oblivion/internal/config"
	"github.com/oblivion/oblivion/internal/inspect"
	"github.com/oblivion/oblivion/internal/ratelimit"
	"github.com/oblivion/oblivion/internal/signature"
)

func TestForwardHead(t *testing.T) {
	head := []byte("GET /a HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\nX-Keep: yes\r\n\r\n")
	out := string(forwardHead(head))

	require.True(t, strings.HasPrefix(out, "GET /a HTTP/1.1\r\n"))
	require.Contains(t, out, "Host: x\r\n")
	require.Contains(t, out, "X-Keep: yes\r\n")
	require.NotContains(t, out, "keep-alive")
	require.True(t, strings.HasSuffix(out, "Connection: close\r\n\r\n"))
	require.Equal(t, 1, strings.Count(out, "Connection:"))
}

func TestStatusSniffer(t *testing.T) {
	var buf bytes.Buffer
	sniffer := &statusSniffer{dst: &buf}

	_, err := sniffer.Write([]byte("HTTP/1."))
	require.NoError(t, err)
	_, err = sniffer.Write([]byte("1 204 No Content\r\n\r\n"))
	require.NoError(t, err)

	require.Equal(t, 204, sniffer.code)
	require.True(t, strings.HasPrefix(buf.String(), "HTTP/1.1 204"))
}

func TestWriteStatus(t *testing.T) {
	var buf bytes.Buffer
	writeStatus(&buf, 403, "blocked: sqli")

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 403 Forbidden\r\n"))
	require.Contains(t, out, "Connection: close\r\n")
	require.Contains(t, out, "Content-Length: 13\r\n")
	require.True(t, strings.HasSuffix(out, "\r\n\r\nblocked: sqli"))
}

// writeTestCert writes a self-signed localhost certificate into dir.
func writeTestCert(t *testing.T, dir string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), certOut, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.pem"), keyOut, 0o600))
}

// startUpstream runs a minimal origin that answers every request with a
// fixed body and closes.
func startUpstream(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" || line == "\n" {
						break
					}
				}
				_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
			}(conn)
		}
	}()

	return listener.Addr().String()
}

func startProxy(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()

	dir := t.TempDir()
	writeTestCert(t, dir)

	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.TLS.CertFile = filepath.Join(dir, "cert.pem")
	cfg.Server.TLS.KeyFile = filepath.Join(dir, "key.pem")
	cfg.Upstream.Addr = startUpstream(t)
	if mutate != nil {
		mutate(&cfg)
	}

	set, err := signature.NewSet(signature.Builtin())
	require.NoError(t, err)
	limiter := ratelimit.New(cfg.Limiter.Rate, cfg.Limiter.Burst, cfg.Limiter.IdleTTL.Std())

	server, err := New(&cfg, inspect.NewEngine(set), limiter, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return server.Addr().String()
}

func dialProxy(t *testing.T, addr string) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	conn := dialProxy(t, addr)
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(conn)
	return string(data)
}

func TestProxyForwardsBenign(t *testing.T) {
	addr := startProxy(t, nil)

	resp := roundTrip(t, addr, "GET /users?id=1 HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK"))
	require.True(t, strings.HasSuffix(resp, "hello"))
}

func TestProxyBlocksEncodedSQLi(t *testing.T) {
	addr := startProxy(t, nil)

	resp := roundTrip(t, addr, "GET /users?id=1%27%20OR%20%271%27=%271 HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 403"))
	require.Contains(t, resp, "blocked: sqli")
}

func TestProxyBlocksTraversal(t *testing.T) {
	addr := startProxy(t, nil)

	resp := roundTrip(t, addr, "GET /..%2f..%2fetc/passwd HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 403"))
	require.Contains(t, resp, "path_traversal")
}

func TestProxyRejectsSmuggling(t *testing.T) {
	addr := startProxy(t, nil)

	resp := roundTrip(t, addr,
		"POST /f HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n")
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 400"))
}

func TestProxyRateLimits(t *testing.T) {
	addr := startProxy(t, func(cfg *config.Config) {
		cfg.Limiter.Rate = 0.001
		cfg.Limiter.Burst = 2
	})

	statuses := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		resp := roundTrip(t, addr, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
		statuses = append(statuses, resp[:12])
	}

	require.Equal(t, "HTTP/1.1 200", statuses[0])
	require.Equal(t, "HTTP/1.1 200", statuses[1])
	require.Equal(t, "HTTP/1.1 429", statuses[2])
}

func TestProxyUpstreamDown(t *testing.T) {
	addr := startProxy(t, func(cfg *config.Config) {
		// A port nothing listens on.
		cfg.Upstream.Addr = "127.0.0.1:1"
	})

	resp := roundTrip(t, addr, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 502"))
}

func TestProxyHeaderTimeout(t *testing.T) {
	addr := startProxy(t, func(cfg *config.Config) {
		cfg.Limits.HeaderTimeout = config.Duration(300 * time.Millisecond)
	})

	conn := dialProxy(t, addr)
	_, err := io.WriteString(conn, "GET / HTTP")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(conn)
	require.True(t, strings.HasPrefix(string(data), "HTTP/1.1 408"))
}

func TestProxyKeepAlive(t *testing.T) {
	addr := startProxy(t, nil)
	conn := dialProxy(t, addr)
	reader := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		require.NoError(t, err)

		status, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(status, "HTTP/1.1 200"))

		// Drain headers and the fixed-length body.
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line == "\r\n" {
				break
			}
		}
		body := make([]byte, 5)
		_, err = io.ReadFull(reader, body)
		require.NoError(t, err)
		require.Equal(t, "hello", string(body))
	}
}
