package proxy

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/oblivion/oblivion/internal/http11"
	"github.com/oblivion/oblivion/internal/logging"
)

// handleConn runs the per-connection state machine: TLS handshake, then
// one or more parse/limit/inspect/forward/relay rounds under the
// configured deadlines. Errors never escape this goroutine.
func (s *Server) handleConn(tcp net.Conn) {
	defer func() { _ = tcp.Close() }()

	peer := peerIP(tcp.RemoteAddr())

	_ = tcp.SetDeadline(time.Now().Add(s.cfg.Limits.TLSHandshakeTimeout.Std()))
	conn := tls.Server(tcp, s.tlsConf)
	if err := conn.Handshake(); err != nil {
		s.log.Debug().Str("peer", peer).Err(err).Msg("tls handshake failed")
		s.record(logging.Record{
			Timestamp: time.Now().UTC(),
			PeerIP:    peer,
			Kind:      logging.KindTLSError,
		})
		return
	}

	parser := http11.NewParser(conn)
	for s.serveOne(tcp, conn, parser, peer) {
	}
}

// serveOne handles a single request and reports whether the connection
// may be reused for another.
func (s *Server) serveOne(tcp net.Conn, conn *tls.Conn, parser *http11.Parser, peer string) bool {
	start := time.Now()
	rec := logging.Record{Timestamp: start.UTC(), PeerIP: peer}

	// ReadHeaders: the whole head must arrive within the header timeout.
	_ = tcp.SetDeadline(start.Add(s.cfg.Limits.HeaderTimeout.Std()))
	req, err := parser.ReadRequest()
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Client finished with the connection between requests.
			return false
		}
		s.finish(conn, rec, start, parseOutcome(err))
		return false
	}

	rec.Method = req.Method
	rec.Target = req.Target
	rec.BytesIn = int64(len(req.Head()))

	// The rest of the request runs under the full-request deadline.
	_ = tcp.SetDeadline(start.Add(s.cfg.Limits.RequestTimeout.Std()))

	// RateLimit.
	if !s.limiter.Allow(peer, time.Now()) {
		s.finish(conn, rec, start, outcome{logging.KindRateLimited, 429, "rate limited"})
		return false
	}

	// Inspect: the decoded body, up to the cap, joins the candidates.
	if req.ContentLength > http11.MaxBodyBytes {
		s.finish(conn, rec, start, outcome{logging.KindBodyCapExceeded, 413, "payload too large"})
		return false
	}
	body, err := io.ReadAll(req.Body)
	rec.BytesIn += int64(len(req.RawBody()))
	if err != nil {
		s.finish(conn, rec, start, bodyOutcome(err))
		return false
	}

	verdict := s.engine.Inspect(req, body)
	if verdict.Blocked {
		rec.Category = string(verdict.Category)
		rec.Signature = verdict.Pattern
		// Always close after a block so the catalogue cannot be probed
		// cheaply over one session.
		s.finish(conn, rec, start, outcome{logging.KindBlocked, 403, "blocked: " + string(verdict.Category)})
		return false
	}

	// Forward: fresh upstream connection, no retries.
	upstream, err := net.DialTimeout("tcp", s.cfg.Upstream.Addr, s.cfg.Upstream.ConnectTimeout.Std())
	if err != nil {
		s.log.Warn().Str("peer", peer).Err(err).Msg("upstream unreachable")
		s.finish(conn, rec, start, outcome{logging.KindUpstreamError, 502, "bad gateway"})
		return false
	}
	defer func() { _ = upstream.Close() }()
	_ = upstream.SetDeadline(start.Add(s.cfg.Limits.RequestTimeout.Std()))

	if _, err := upstream.Write(forwardHead(req.Head())); err != nil {
		s.finish(conn, rec, start, outcome{logging.KindUpstreamError, 502, "bad gateway"})
		return false
	}
	if raw := req.RawBody(); len(raw) > 0 {
		if _, err := upstream.Write(raw); err != nil {
			s.finish(conn, rec, start, outcome{logging.KindUpstreamError, 502, "bad gateway"})
			return false
		}
	}

	// Relay: copy the response back verbatim until the upstream closes.
	sniffer := &statusSniffer{dst: conn}
	n, err := io.Copy(sniffer, upstream)
	rec.BytesOut = n
	if err != nil && n == 0 {
		s.finish(conn, rec, start, outcome{logging.KindUpstreamError, 502, "bad gateway"})
		return false
	}

	rec.Kind = logging.KindForwarded
	rec.StatusCode = sniffer.code
	rec.DurationMS = time.Since(start).Milliseconds()
	s.record(rec)

	if err != nil {
		// Mid-stream failure after bytes went out: nothing sensible left
		// to tell the client.
		s.log.Debug().Str("peer", peer).Err(err).Msg("relay aborted")
		return false
	}
	return req.KeepAlive()
}

// outcome pairs a decision-log kind with the client-visible reply.
type outcome struct {
	kind   string
	status int
	body   string
}

func parseOutcome(err error) outcome {
	switch http11.Classify(err) {
	case http11.KindSmuggling:
		return outcome{logging.KindParseSmuggling, 400, "bad request"}
	case http11.KindTooLarge:
		return outcome{logging.KindParseTooLarge, 431, "request header fields too large"}
	case http11.KindTimeout:
		return outcome{logging.KindParseTimeout, 408, "request timeout"}
	case http11.KindIncomplete:
		return outcome{logging.KindClientError, 0, ""}
	default:
		return outcome{logging.KindParseMalformed, 400, "bad request"}
	}
}

func bodyOutcome(err error) outcome {
	switch http11.Classify(err) {
	case http11.KindTooLarge:
		return outcome{logging.KindBodyCapExceeded, 413, "payload too large"}
	case http11.KindTimeout:
		return outcome{logging.KindParseTimeout, 408, "request timeout"}
	case http11.KindMalformed, http11.KindSmuggling:
		return outcome{logging.KindParseMalformed, 400, "bad request"}
	default:
		return outcome{logging.KindClientError, 0, ""}
	}
}

// finish sends the error reply (when the outcome carries one), records
// the decision and leaves the connection to be closed by the caller.
func (s *Server) finish(conn *tls.Conn, rec logging.Record, start time.Time, out outcome) {
	if out.status != 0 {
		// The deadline that ended the read may also have expired the write
		// side; give the reply a fresh write window.
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Limits.HeaderTimeout.Std()))
		writeStatus(conn, out.status, out.body)
	}
	rec.Kind = out.kind
	rec.StatusCode = out.status
	rec.DurationMS = time.Since(start).Milliseconds()
	s.record(rec)
}

func (s *Server) record(rec logging.Record) {
	if err := s.decisions.Write(rec); err != nil {
		s.log.Warn().Err(err).Msg("decision log write failed")
	}
	s.metrics.Observe(rec)
}

// forwardHead replays the client's head with hop-by-hop connection
// headers stripped and Connection: close in their place, so the fresh
// upstream connection delimits its response by closing.
func forwardHead(head []byte) []byte {
	out := make([]byte, 0, len(head)+32)
	text := string(head)

	first := true
	for len(text) > 0 {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := text[:idx+1]
		text = text[idx+1:]

		if first {
			out = append(out, line...)
			first = false
			continue
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		name, _, ok := strings.Cut(trimmed, ":")
		if ok {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "connection", "proxy-connection", "keep-alive":
				continue
			}
		}
		out = append(out, line...)
	}

	out = append(out, "Connection: close\r\n\r\n"...)
	return out
}

// statusSniffer parses the status code out of the first bytes of the
// relayed response, for the decision log only.
type statusSniffer struct {
	dst  io.Writer
	buf  []byte
	code int
}

func (w *statusSniffer) Write(p []byte) (int, error) {
	if w.code == 0 && len(w.buf) < 16 {
		need := 16 - len(w.buf)
		if need > len(p) {
			need = len(p)
		}
		w.buf = append(w.buf, p[:need]...)
		if len(w.buf) >= 12 && strings.HasPrefix(string(w.buf), "HTTP/1.") {
			text := string(w.buf[9:12])
			code := 0
			for i := 0; i < 3; i++ {
				if text[i] < '0' || text[i] > '9' {
					code = 0
					break
				}
				code = code*10 + int(text[i]-'0')
			}
			w.code = code
		}
	}
	return w.dst.Write(p)
}

func peerIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
