package stshare

import (
	"bytes"
	"testing"
)

func TestResponseParserSingleChunk(t *testing.T) {
	p := newResponseParser()
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")
	ready, body, err := p.Feed(raw)
	if err != nil {
		t.Fatalf("Feed returned error: %s", err)
	}
	if !ready || !p.HeaderDone() {
		t.Fatal("Headers not complete after full response")
	}
	if p.StatusCode() != 200 {
		t.Errorf("StatusCode = %d", p.StatusCode())
	}
	if got := p.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}
}

func TestResponseParserSplitAcrossFrames(t *testing.T) {
	p := newResponseParser()
	raw := "HTTP/1.1 404 Not Found\r\nX-Thing: a\r\n\r\nmissing"
	var gotBody []byte
	sawHeader := false
	// feed one byte at a time; partial frames must buffer cleanly
	for i := 0; i < len(raw); i++ {
		ready, body, err := p.Feed([]byte{raw[i]})
		if err != nil {
			t.Fatalf("Feed at byte %d returned error: %s", i, err)
		}
		if ready {
			sawHeader = true
		}
		gotBody = append(gotBody, body...)
	}
	if !sawHeader {
		t.Fatal("Headers never completed")
	}
	if p.StatusCode() != 404 {
		t.Errorf("StatusCode = %d", p.StatusCode())
	}
	if string(gotBody) != "missing" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestResponseParserStripsHopByHop(t *testing.T) {
	p := newResponseParser()
	raw := []byte("HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Connection: keep-alive\r\n" +
		"Keep-Alive: timeout=5\r\n" +
		"Content-Type: text/html\r\n\r\n")
	if _, _, err := p.Feed(raw); err != nil {
		t.Fatalf("Feed returned error: %s", err)
	}
	for _, h := range []string{"Transfer-Encoding", "Connection", "Keep-Alive"} {
		if got := p.Header().Get(h); got != "" {
			t.Errorf("%s = %q, expected stripped", h, got)
		}
	}
	if got := p.Header().Get("Content-Type"); got != "text/html" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestResponseParserBodyPassThrough(t *testing.T) {
	p := newResponseParser()
	if _, _, err := p.Feed([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		t.Fatalf("Feed returned error: %s", err)
	}
	chunk := []byte{0x00, 0x01, 0xff}
	_, body, err := p.Feed(chunk)
	if err != nil {
		t.Fatalf("Feed returned error: %s", err)
	}
	if !bytes.Equal(body, chunk) {
		t.Errorf("body = %v, expected raw pass-through", body)
	}
}

func TestResponseParserMalformed(t *testing.T) {
	cases := []string{
		"garbage with no status line\r\n\r\n",
		"HTTP/1.1 banana OK\r\n\r\n",
	}
	for _, raw := range cases {
		p := newResponseParser()
		if _, _, err := p.Feed([]byte(raw)); err == nil {
			t.Errorf("Feed accepted %q", raw)
		}
	}
}

func TestResponseParserNoHeaders(t *testing.T) {
	p := newResponseParser()
	ready, body, err := p.Feed([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed returned error: %s", err)
	}
	if !ready || p.StatusCode() != 204 || len(body) != 0 {
		t.Errorf("ready=%v status=%d body=%q", ready, p.StatusCode(), body)
	}
}
