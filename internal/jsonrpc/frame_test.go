package jsonrpc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	msg, err := NewRequest([]byte("1"), "initialize", map[string]any{"rootUri": "file:///x"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewReader(&buf)
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Method != "initialize" || string(got.ID) != "1" {
		t.Fatalf("got %+v", got)
	}
}

func TestReadMessageIgnoresUnknownHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"shutdown"}`
	raw := "X-Custom: whatever\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n" + body
	r := NewReader(strings.NewReader(raw))
	msg, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Method != "shutdown" {
		t.Fatalf("got %+v", msg)
	}
}

func TestReadMessageMissingContentLength(t *testing.T) {
	raw := "X-Custom: whatever\r\n\r\n{}"
	r := NewReader(strings.NewReader(raw))
	_, err := r.ReadMessage()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FramingError, got %v", err)
	}
}

func TestReadMessageCleanEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	_, err := r.ReadMessage()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadMessageMalformedHeaderLine(t *testing.T) {
	raw := "not-a-header-line\r\n\r\n{}"
	r := NewReader(strings.NewReader(raw))
	_, err := r.ReadMessage()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FramingError, got %v", err)
	}
}

func TestWriterSerializesConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		id := i
		go func() {
			msg, _ := NewRequest([]byte(itoa(id)), "noop", nil)
			done <- w.WriteMessage(msg)
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}
	r := NewReader(&buf)
	count := 0
	for {
		if _, err := r.ReadMessage(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("got %d messages, want 2", count)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
