package proxy

import (
	"fmt"
	"io"
)

var statusText = map[int]string{
	400: "Bad Request",
	403: "Forbidden",
	408: "Request Timeout",
	413: "Payload Too Large",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",
	502: "Bad Gateway",
}

// writeStatus emits a minimal fixed-body error reply. Every error reply
// closes the connection, so Connection: close is unconditional.
func writeStatus(w io.Writer, code int, body string) {
	phrase, ok := statusText[code]
	if !ok {
		phrase = "Error"
	}
	_, _ = fmt.Fprintf(w,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, phrase, len(body), body)
}
