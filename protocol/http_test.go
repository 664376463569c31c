package protocol

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"ochat/transport"
)

func connFromWire(t *testing.T, chunks ...string) *transport.Conn {
	t.Helper()
	rawA, rawB := net.Pipe()
	conn := transport.NewConn(rawA, time.Second)
	remote := transport.NewConn(rawB, time.Second)
	t.Cleanup(func() {
		conn.Close()
		remote.Close()
	})

	go func() {
		for _, chunk := range chunks {
			remote.Write([]byte(chunk))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	return conn
}

func TestReadRequest(t *testing.T) {
	conn := connFromWire(t,
		"POST /v1/user/login HTTP/1.1\r\nContent-Length: 4\r\nContent-Type: application/json\r\n\r\ntest")

	msg, err := ReadMessage(conn, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.IsResponse() {
		t.Error("parsed as a response")
	}
	if msg.Method != "post" {
		t.Errorf("method: got %q, want %q", msg.Method, "post")
	}
	if msg.Resource != "/v1/user/login" {
		t.Errorf("resource: got %q, want %q", msg.Resource, "/v1/user/login")
	}
	if string(msg.Body) != "test" {
		t.Errorf("body: got %q, want %q", msg.Body, "test")
	}
}

func TestReadResponse(t *testing.T) {
	conn := connFromWire(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")

	msg, err := ReadMessage(conn, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.IsResponse() {
		t.Error("parsed as a request")
	}
	if msg.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", msg.StatusCode)
	}
	if len(msg.Body) != 0 {
		t.Errorf("body: got %q, want empty", msg.Body)
	}
}

func TestReadBodySplitAcrossWrites(t *testing.T) {
	conn := connFromWire(t,
		"POST /v1/idle HTTP/1.1\r\nContent-Length: 10\r\n\r\nhalf ",
		"there")

	msg, err := ReadMessage(conn, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.Body) != "half there" {
		t.Errorf("body: got %q, want %q", msg.Body, "half there")
	}
}

func TestMalformedStartLine(t *testing.T) {
	conn := connFromWire(t, "POST\r\n\r\n")

	if _, err := ReadMessage(conn, time.Second); !errors.Is(err, ErrProtocol) {
		t.Errorf("got %v, want ErrProtocol", err)
	}
}

func TestBadContentLength(t *testing.T) {
	conn := connFromWire(t, "POST /v1/idle HTTP/1.1\r\nContent-Length: many\r\n\r\n")

	if _, err := ReadMessage(conn, time.Second); !errors.Is(err, ErrProtocol) {
		t.Errorf("got %v, want ErrProtocol", err)
	}
}

func TestHeaderSemantics(t *testing.T) {
	conn := connFromWire(t,
		"POST /v1/idle HTTP/1.1\r\n"+
			"X-One:   padded\r\n"+
			"x-one: last wins\r\n"+
			": skipped\r\n"+
			"no colon here\r\n"+
			"\r\n")

	msg, err := ReadMessage(conn, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := msg.Headers.Get("X-ONE"); got != "last wins" {
		t.Errorf("X-One: got %q, want %q", got, "last wins")
	}
	if msg.Headers.Has("no colon here") {
		t.Error("colonless line became a header")
	}
}

func TestChunkedBody(t *testing.T) {
	conn := connFromWire(t,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"4\r\ntest\r\n3\r\ning\r\n0\r\n\r\n")

	msg, err := ReadMessage(conn, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.Body) != "testing" {
		t.Errorf("body: got %q, want %q", msg.Body, "testing")
	}
}

func TestContentLengthWinsOverChunked(t *testing.T) {
	conn := connFromWire(t,
		"HTTP/1.1 200 OK\r\nContent-Length: 4\r\nTransfer-Encoding: chunked\r\n\r\ntest")

	msg, err := ReadMessage(conn, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.Body) != "test" {
		t.Errorf("body: got %q, want %q", msg.Body, "test")
	}
}

func TestChunkedBadSize(t *testing.T) {
	conn := connFromWire(t,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n")

	if _, err := ReadMessage(conn, time.Second); !errors.Is(err, ErrProtocol) {
		t.Errorf("got %v, want ErrProtocol", err)
	}
}

func TestGzipBody(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	zw.Write([]byte(`{"status":0}`))
	zw.Close()

	head := "HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: " +
		strconv.Itoa(compressed.Len()) + "\r\n\r\n"
	conn := connFromWire(t, head+compressed.String())

	msg, err := ReadMessage(conn, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.Body) != `{"status":0}` {
		t.Errorf("body: got %q, want %q", msg.Body, `{"status":0}`)
	}
}

func TestBuildRequest(t *testing.T) {
	got := BuildRequest("/v1/user/login", ContentTypeJSON, []byte(`{"user":"u"}`))
	want := "POST /v1/user/login HTTP/1.1\r\n" +
		"Content-Length: 12\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n" +
		`{"user":"u"}`
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildResponse(t *testing.T) {
	got := string(BuildResponse(409, ContentTypeJSON, []byte(`{"status":4,"error":"user already exists"}`)))
	if !strings.HasPrefix(got, "HTTP/1.1 409 Conflict\r\n") {
		t.Errorf("missing status line: %q", got)
	}
	if !strings.Contains(got, "Access-Control-Allow-Origin: *\r\n") {
		t.Errorf("missing CORS header: %q", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\n"+`{"status":4,"error":"user already exists"}`) {
		t.Errorf("missing body: %q", got)
	}
}
