// Package protocol implements the minimal HTTP/1.1 subset spoken on both
// sides of the wire: one message framing (headers, fixed-length and chunked
// bodies, gzip decoding) plus the JSON shapes of the API itself.
package protocol

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"ochat/transport"
)

// ErrProtocol marks a malformed message. The connection cannot be resynced
// after one of these, so the session closes it.
var ErrProtocol = errors.New("protocol error")

var crlf = []byte("\r\n")

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	409: "Conflict",
	429: "Too Many Requests",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

// StatusText returns the reason phrase for the handful of codes the API uses.
func StatusText(code int) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return "Unknown"
}

type header struct {
	name  string
	value string
}

// Headers preserves insertion order and matches names case-insensitively.
// Setting an existing name overwrites in place, so the last value wins.
type Headers struct {
	list []header
}

func (h *Headers) Set(name, value string) {
	for i := range h.list {
		if strings.EqualFold(h.list[i].name, name) {
			h.list[i].value = value
			return
		}
	}
	h.list = append(h.list, header{name: name, value: value})
}

func (h *Headers) Get(name string) string {
	for i := range h.list {
		if strings.EqualFold(h.list[i].name, name) {
			return h.list[i].value
		}
	}
	return ""
}

func (h *Headers) Has(name string) bool {
	for i := range h.list {
		if strings.EqualFold(h.list[i].name, name) {
			return true
		}
	}
	return false
}

// Message is one HTTP message, either direction. Requests have Method and
// Resource set; responses have StatusCode.
type Message struct {
	Method     string // lowercased
	Resource   string
	Version    string
	StatusCode int
	Headers    Headers
	Body       []byte
}

func (m *Message) IsResponse() bool { return m.StatusCode != 0 }

// ReadMessage reads one complete message from the connection, decoding
// fixed-length and chunked bodies and inflating gzip content. The timeout
// covers the whole message.
func ReadMessage(conn *transport.Conn, timeout time.Duration) (*Message, error) {
	head, err := conn.ReadUntil([]byte("\r\n\r\n"), timeout)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(head), "\r\n")
	msg := &Message{}
	if err := parseStartLine(msg, lines[0]); err != nil {
		return nil, err
	}
	for _, line := range lines[1:] {
		parseHeaderLine(&msg.Headers, line)
	}

	if err := readBody(msg, conn, timeout); err != nil {
		return nil, err
	}

	if strings.EqualFold(msg.Headers.Get("Content-Encoding"), "gzip") {
		inflated, err := inflate(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrProtocol, err)
		}
		msg.Body = inflated
	}

	return msg, nil
}

// parseStartLine distinguishes a status line from a request line by the
// "http/" prefix and requires at least two fields either way.
func parseStartLine(msg *Message, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fmt.Errorf("%w: malformed start line %q", ErrProtocol, line)
	}

	if strings.HasPrefix(strings.ToLower(fields[0]), "http/") {
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("%w: bad status code %q", ErrProtocol, fields[1])
		}
		msg.Version = fields[0]
		msg.StatusCode = code
		return nil
	}

	msg.Method = strings.ToLower(fields[0])
	msg.Resource = fields[1]
	if len(fields) > 2 {
		msg.Version = fields[2]
	}
	return nil
}

// parseHeaderLine tolerates garbage: lines without a colon, or with the colon
// first, are skipped rather than failing the message.
func parseHeaderLine(headers *Headers, line string) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return
	}
	name := line[:idx]
	value := strings.TrimLeft(line[idx+1:], " \t")
	headers.Set(name, value)
}

// readBody assembles the body. Content-Length wins over chunked encoding
// when a message carries both headers.
func readBody(msg *Message, conn *transport.Conn, timeout time.Duration) error {
	lengthStr := msg.Headers.Get("Content-Length")
	if lengthStr == "" {
		if strings.EqualFold(msg.Headers.Get("Transfer-Encoding"), "chunked") {
			return readChunked(msg, conn, timeout)
		}
		return nil
	}

	length, err := strconv.Atoi(strings.TrimSpace(lengthStr))
	if err != nil || length < 0 {
		return fmt.Errorf("%w: bad content length %q", ErrProtocol, lengthStr)
	}
	if length == 0 {
		return nil
	}

	body, err := conn.ReadFull(length, timeout)
	if err != nil {
		return err
	}
	msg.Body = body
	return nil
}

// readChunked decodes a chunked body: hex size line, then size+2 bytes (the
// chunk and its trailing CRLF), until a zero-size chunk.
func readChunked(msg *Message, conn *transport.Conn, timeout time.Duration) error {
	var body bytes.Buffer
	for {
		sizeLine, err := conn.ReadUntil(crlf, timeout)
		if err != nil {
			return err
		}

		size, err := strconv.ParseUint(strings.TrimSpace(string(sizeLine)), 16, 32)
		if err != nil {
			return fmt.Errorf("%w: bad chunk size %q", ErrProtocol, sizeLine)
		}
		if size == 0 {
			// Trailing CRLF after the last chunk.
			if _, err := conn.ReadUntil(crlf, timeout); err != nil {
				return err
			}
			break
		}

		chunk, err := conn.ReadFull(int(size)+2, timeout)
		if err != nil {
			return err
		}
		body.Write(chunk[:size])
	}

	msg.Body = body.Bytes()
	return nil
}

func inflate(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// BuildRequest renders a POST request the way the server expects it.
func BuildRequest(resource, contentType string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "POST %s HTTP/1.1\r\n", resource)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentType)
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// BuildResponse renders a response with the permissive CORS header every
// reply carries.
func BuildResponse(status int, contentType string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, StatusText(status))
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentType)
	buf.WriteString("Access-Control-Allow-Origin: *\r\n")
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
