package http11

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	// MaxHeaderBytes caps the request line plus header block as received.
	MaxHeaderBytes = 8 << 10
	// MaxBodyBytes caps the decoded request body.
	MaxBodyBytes = 10 << 20

	readChunk = 1024
)

// Header is one request header as received, with the name lowercased and
// the value trimmed of surrounding optional whitespace. Duplicates are
// preserved in order.
type Header struct {
	Name  string
	Value string
}

// Request is the structured view of one parsed request head. The head
// block is fully consumed and Body is positioned at byte 0 of the message
// body.
type Request struct {
	Method  string
	Target  string
	Major   int
	Minor   int
	Headers []Header

	// Body yields the decoded message body, capped at MaxBodyBytes.
	// Reading past the cap returns a KindTooLarge error.
	Body io.Reader

	// ContentLength is the declared body length, -1 when chunked and 0
	// when the request carries no body.
	ContentLength int64

	Chunked bool

	head []byte
	raw  *rawRecorder
}

// Head returns the raw request line and header block exactly as received,
// terminator included.
func (r *Request) Head() []byte {
	return r.head
}

// RawBody returns the wire bytes of the body consumed so far with framing
// intact: for chunked requests the chunk-size lines and final terminator
// are included, so the forward leg can replay the client's framing
// verbatim. Trailers are not replayed.
func (r *Request) RawBody() []byte {
	if r.raw == nil {
		return nil
	}
	return r.raw.buf
}

// HeaderValues returns every value for the given lowercase header name, in
// order of appearance.
func (r *Request) HeaderValues(name string) []string {
	var values []string
	for _, h := range r.Headers {
		if h.Name == name {
			values = append(values, h.Value)
		}
	}
	return values
}

// HeaderValue returns the first value for the given lowercase name.
func (r *Request) HeaderValue(name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// KeepAlive reports whether the client asked to reuse the connection for
// another request.
func (r *Request) KeepAlive() bool {
	values := r.HeaderValues("connection")
	if r.Major == 1 && r.Minor == 0 {
		return httpguts.HeaderValuesContainsToken(values, "keep-alive")
	}
	return !httpguts.HeaderValuesContainsToken(values, "close")
}

// Parser reads one request at a time from a byte stream. The head
// accumulates in a single reusable buffer of at most MaxHeaderBytes;
// bytes read past the current message are kept for the next call, so
// pipelined requests survive keep-alive.
type Parser struct {
	r       io.Reader
	buf     []byte
	pending []byte
}

func NewParser(r io.Reader) *Parser {
	return &Parser{r: r}
}

// fill reads into dst, draining leftover bytes from earlier reads before
// touching the stream.
func (p *Parser) fill(dst []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(dst, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	return p.r.Read(dst)
}

// ReadRequest reads and parses the next request head. Read deadlines are
// the caller's responsibility (set on the underlying connection); deadline
// expiry surfaces as KindTimeout. The previous request's body must be
// drained before calling again.
func (p *Parser) ReadRequest() (*Request, error) {
	head, err := p.readHead()
	if err != nil {
		return nil, err
	}

	req, err := parseHead(head)
	if err != nil {
		return nil, err
	}

	req.raw = &rawRecorder{}
	src := &parserReader{p: p}

	switch {
	case req.Chunked:
		req.Body = newCapReader(newChunkedReader(src, req.raw), MaxBodyBytes)
	case req.ContentLength > 0:
		req.Body = newCapReader(io.LimitReader(&recordReader{src: src, rec: req.raw}, req.ContentLength), MaxBodyBytes)
	default:
		req.Body = strings.NewReader("")
	}

	return req, nil
}

// readHead accumulates bytes until the blank line ending the header block,
// leaving any excess for the body. The cap counts the head as received,
// terminator included.
func (p *Parser) readHead() ([]byte, error) {
	p.buf = p.buf[:0]
	scanned := 0

	for {
		if end, ok := findHeadEnd(p.buf, &scanned); ok {
			if end > MaxHeaderBytes {
				return nil, errTooLarge("header block exceeds cap")
			}
			rest := p.buf[end:]
			if len(rest) > 0 {
				p.pending = append(append([]byte(nil), rest...), p.pending...)
			}
			return p.buf[:end], nil
		}

		if len(p.buf) >= MaxHeaderBytes {
			return nil, errTooLarge("header block exceeds cap")
		}

		room := MaxHeaderBytes - len(p.buf)
		if room > readChunk {
			room = readChunk
		}
		var chunk [readChunk]byte
		n, rerr := p.fill(chunk[:room])
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if rerr != nil {
			if isTimeout(rerr) {
				return nil, &Error{Kind: KindTimeout, Reason: "header block not received in time"}
			}
			if errors.Is(rerr, io.EOF) {
				if len(p.buf) == 0 {
					return nil, io.EOF
				}
				return nil, &Error{Kind: KindIncomplete, Reason: "connection closed mid-head"}
			}
			return nil, rerr
		}
	}
}

// findHeadEnd looks for a line end immediately followed by another line
// end: CRLF CRLF, LF LF, or the mixed forms. scanned tracks how far
// earlier calls got so the buffer is not rescanned from the start.
func findHeadEnd(buf []byte, scanned *int) (int, bool) {
	for i := *scanned; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		if i+1 < len(buf) && buf[i+1] == '\n' {
			return i + 2, true
		}
		if i+2 < len(buf) && buf[i+1] == '\r' && buf[i+2] == '\n' {
			return i + 3, true
		}
	}
	if len(buf) >= 2 {
		*scanned = len(buf) - 2
	}
	return 0, false
}

func parseHead(head []byte) (*Request, error) {
	text := string(head)
	req := &Request{head: append([]byte(nil), head...)}

	line, rest, err := nextLine(text)
	if err != nil {
		return nil, err
	}
	if err := parseRequestLine(req, line); err != nil {
		return nil, err
	}

	for {
		line, rest, err = nextLine(rest)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		if err := parseHeaderLine(req, line); err != nil {
			return nil, err
		}
	}

	if err := applyFraming(req); err != nil {
		return nil, err
	}
	return req, nil
}

// nextLine splits off one line. The terminator is CRLF; a bare LF is
// accepted, a bare CR is not.
func nextLine(text string) (line, rest string, err error) {
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return "", "", errMalformed("missing line terminator")
	}
	line = text[:idx]
	rest = text[idx+1:]
	if strings.HasSuffix(line, "\r") {
		line = line[:len(line)-1]
	}
	if strings.IndexByte(line, '\r') >= 0 {
		return "", "", errMalformed("bare CR in line")
	}
	return line, rest, nil
}

func parseRequestLine(req *Request, line string) error {
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return errMalformed("request line needs three parts")
	}
	target, version, ok := strings.Cut(rest, " ")
	if !ok {
		return errMalformed("request line needs three parts")
	}

	if !isToken(method) {
		return errMalformed("method is not a token")
	}
	if target == "" {
		return errMalformed("empty request target")
	}
	major, minor, ok := parseVersion(version)
	if !ok {
		return errMalformed("unsupported protocol %q", version)
	}

	req.Method = strings.ToUpper(method)
	req.Target = target
	req.Major = major
	req.Minor = minor
	return nil
}

func parseVersion(version string) (major, minor int, ok bool) {
	switch version {
	case "HTTP/1.1":
		return 1, 1, true
	case "HTTP/1.0":
		return 1, 0, true
	default:
		return 0, 0, false
	}
}

func parseHeaderLine(req *Request, line string) error {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return errMalformed("header line without colon")
	}
	if name == "" || !httpguts.ValidHeaderFieldName(name) {
		return errMalformed("invalid header name %q", name)
	}
	value = strings.Trim(value, " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return errMalformed("invalid value for header %q", name)
	}
	req.Headers = append(req.Headers, Header{Name: strings.ToLower(name), Value: value})
	return nil
}

// applyFraming resolves the body framing and rejects the ambiguous
// combinations that enable request smuggling.
func applyFraming(req *Request) error {
	lengths := req.HeaderValues("content-length")
	encodings := req.HeaderValues("transfer-encoding")

	if len(lengths) > 0 && len(encodings) > 0 {
		return errSmuggling("both content-length and transfer-encoding present")
	}

	if len(encodings) > 0 {
		var codings []string
		for _, value := range encodings {
			for _, coding := range strings.Split(value, ",") {
				coding = strings.ToLower(strings.TrimSpace(coding))
				if coding == "" {
					continue
				}
				codings = append(codings, coding)
			}
		}
		if len(codings) == 0 || codings[len(codings)-1] != "chunked" {
			return errSmuggling("last transfer coding is not chunked")
		}
		req.Chunked = true
		req.ContentLength = -1
		return nil
	}

	if len(lengths) > 0 {
		first := strings.TrimSpace(lengths[0])
		for _, value := range lengths[1:] {
			if strings.TrimSpace(value) != first {
				return errSmuggling("conflicting content-length values")
			}
		}
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil || n < 0 {
			return errMalformed("invalid content-length %q", first)
		}
		req.ContentLength = n
		return nil
	}

	req.ContentLength = 0
	return nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !httpguts.IsTokenRune(r) {
			return false
		}
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}
