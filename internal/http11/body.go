package http11

import (
	"io"
	"strconv"
	"strings"
)

const maxChunkLine = 256

// rawRecorder accumulates the wire bytes of a body as they are consumed.
type rawRecorder struct {
	buf []byte
}

func (r *rawRecorder) record(b []byte) {
	r.buf = append(r.buf, b...)
}

// parserReader exposes a Parser's byte stream (leftovers first) as a
// plain io.Reader for the body framing readers.
type parserReader struct {
	p *Parser
}

func (pr *parserReader) Read(b []byte) (int, error) {
	return pr.p.fill(b)
}

// recordReader copies everything it reads into the recorder. Used for
// content-length bodies, where wire bytes and decoded bytes coincide.
type recordReader struct {
	src io.Reader
	rec *rawRecorder
}

func (rr *recordReader) Read(b []byte) (int, error) {
	n, err := rr.src.Read(b)
	if n > 0 {
		rr.rec.record(b[:n])
	}
	return n, err
}

// capReader enforces the decoded-body cap. Reading past the cap yields a
// KindTooLarge error.
type capReader struct {
	src       io.Reader
	remaining int64
}

func newCapReader(src io.Reader, limit int64) *capReader {
	return &capReader{src: src, remaining: limit}
}

func (c *capReader) Read(b []byte) (int, error) {
	if c.remaining == 0 {
		var one [1]byte
		n, err := c.src.Read(one[:])
		if n > 0 {
			return 0, errTooLarge("body exceeds cap")
		}
		if err != nil {
			return 0, err
		}
		return 0, errTooLarge("body exceeds cap")
	}
	if int64(len(b)) > c.remaining {
		b = b[:c.remaining]
	}
	n, err := c.src.Read(b)
	c.remaining -= int64(n)
	return n, err
}

// chunkedReader decodes chunked transfer coding. Size lines, chunk data
// and the final terminator are replayed into the recorder so the forward
// leg keeps the client's framing; trailers are read and discarded.
type chunkedReader struct {
	src       io.Reader
	rec       *rawRecorder
	remaining int64
	started   bool
	done      bool
	err       error
}

func newChunkedReader(src io.Reader, rec *rawRecorder) *chunkedReader {
	return &chunkedReader{src: src, rec: rec}
}

func (cr *chunkedReader) Read(b []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.done {
		return 0, io.EOF
	}

	for cr.remaining == 0 {
		if cr.started {
			if err := cr.readChunkEnd(); err != nil {
				cr.err = err
				return 0, err
			}
		}
		if err := cr.beginChunk(); err != nil {
			cr.err = err
			return 0, err
		}
		if cr.done {
			return 0, io.EOF
		}
	}

	if int64(len(b)) > cr.remaining {
		b = b[:cr.remaining]
	}
	n, err := cr.src.Read(b)
	if n > 0 {
		cr.rec.record(b[:n])
		cr.remaining -= int64(n)
	}
	if err == io.EOF {
		err = errMalformed("connection closed mid-chunk")
	}
	return n, err
}

// beginChunk reads the next chunk-size line. A zero size ends the body:
// trailers are consumed without being recorded and a bare terminator is
// recorded in their place.
func (cr *chunkedReader) beginChunk() error {
	line, raw, err := cr.readLine()
	if err != nil {
		return err
	}

	sizeText := line
	if idx := strings.IndexByte(sizeText, ';'); idx >= 0 {
		sizeText = sizeText[:idx]
	}
	sizeText = strings.TrimSpace(sizeText)
	size, perr := strconv.ParseInt(sizeText, 16, 64)
	if perr != nil || size < 0 {
		return errMalformed("invalid chunk size %q", sizeText)
	}

	if size == 0 {
		if err := cr.discardTrailers(); err != nil {
			return err
		}
		cr.rec.record([]byte("0\r\n\r\n"))
		cr.done = true
		return nil
	}

	cr.rec.record(raw)
	cr.remaining = size
	cr.started = true
	return nil
}

// readChunkEnd consumes the CRLF that closes a chunk's data.
func (cr *chunkedReader) readChunkEnd() error {
	line, raw, err := cr.readLine()
	if err != nil {
		return err
	}
	if line != "" {
		return errMalformed("chunk data not followed by CRLF")
	}
	cr.rec.record(raw)
	return nil
}

func (cr *chunkedReader) discardTrailers() error {
	for {
		line, _, err := cr.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// readLine reads a single line byte by byte, returning it both trimmed
// and as received. Framing lines are short, so the byte-wise reads stay
// off the data path.
func (cr *chunkedReader) readLine() (line string, raw []byte, err error) {
	for len(raw) < maxChunkLine {
		var one [1]byte
		n, rerr := cr.src.Read(one[:])
		if n > 0 {
			raw = append(raw, one[0])
			if one[0] == '\n' {
				text := strings.TrimSuffix(strings.TrimSuffix(string(raw), "\n"), "\r")
				if strings.IndexByte(text, '\r') >= 0 {
					return "", nil, errMalformed("bare CR in chunk framing")
				}
				return text, raw, nil
			}
			continue
		}
		if rerr != nil {
			if isTimeout(rerr) {
				return "", nil, &Error{Kind: KindTimeout, Reason: "body not received in time"}
			}
			if rerr == io.EOF {
				return "", nil, errMalformed("connection closed mid-chunk")
			}
			return "", nil, rerr
		}
	}
	return "", nil, errMalformed("chunk framing line too long")
}
