package stshare

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// hopByHopHeaders are stripped from upstream responses before they are
// replayed onto the public socket; the public connection's own transport
// semantics replace them.
var hopByHopHeaders = []string{
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
}

// responseParser incrementally parses a raw upstream HTTP response that
// arrives in arbitrarily split data frames. It has two states: collecting
// header bytes until the blank line, then passing body bytes through.
type responseParser struct {
	headerDone bool
	buf        bytes.Buffer
	statusCode int
	status     string
	header     http.Header
}

func newResponseParser() *responseParser {
	return &responseParser{}
}

// HeaderDone reports whether the status line and headers have been parsed
func (p *responseParser) HeaderDone() bool {
	return p.headerDone
}

// StatusCode returns the parsed status code; valid only after HeaderDone
func (p *responseParser) StatusCode() int {
	return p.statusCode
}

// Header returns the parsed headers with hop-by-hop entries already
// stripped; valid only after HeaderDone
func (p *responseParser) Header() http.Header {
	return p.header
}

// Feed consumes the next chunk of upstream bytes. Once the header block is
// complete, headerReady is true exactly once and body holds the bytes that
// followed it in this chunk; on later calls body is chunk itself. A non-nil
// error means the upstream bytes are not a parseable HTTP response.
func (p *responseParser) Feed(chunk []byte) (headerReady bool, body []byte, err error) {
	if p.headerDone {
		return false, chunk, nil
	}
	p.buf.Write(chunk)
	raw := p.buf.Bytes()
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx < 0 {
		if p.buf.Len() > MaxFrameSize {
			return false, nil, fmt.Errorf("Response header block exceeds %d bytes", MaxFrameSize)
		}
		return false, nil, nil
	}
	if err := p.parseHeaderBlock(raw[:idx]); err != nil {
		return false, nil, err
	}
	p.headerDone = true
	rest := raw[idx+4:]
	body = make([]byte, len(rest))
	copy(body, rest)
	p.buf.Reset()
	return true, body, nil
}

// parseHeaderBlock parses the status line and header lines of block,
// which excludes the terminating blank line
func (p *responseParser) parseHeaderBlock(block []byte) error {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(block, "\r\n\r\n"...))))
	statusLine, err := r.ReadLine()
	if err != nil {
		return fmt.Errorf("Malformed status line: %s", err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return fmt.Errorf("Malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return fmt.Errorf("Malformed status code in %q", statusLine)
	}
	mimeHeader, err := r.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("Malformed response headers: %s", err)
	}
	header := http.Header(mimeHeader)
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	p.statusCode = code
	p.status = statusLine
	p.header = header
	return nil
}
