// Package transport wraps a plain or TLS byte stream with the blocking-style
// primitives the rest of the code is written against: read-until-delimiter,
// read-exactly-N, full writes, per-operation timeouts and concurrent-safe
// cancellation. Callers run each connection on its own goroutine; a blocked
// read here is the suspension point of that session.
package transport

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	ErrTimeout = errors.New("operation timed out")
	ErrCancel  = errors.New("operation cancelled")
	ErrClosed  = errors.New("connection closed")
	// ErrResolve: the name resolved to nothing at all.
	ErrResolve = errors.New("name not found")
	// ErrConnect: candidates existed but none completed a handshake.
	ErrConnect = errors.New("connect failed")
)

const readChunk = 4096

// Conn owns one underlying transport. It is not safe for concurrent reads or
// concurrent writes; exactly one session consumes it at a time. Cancel and
// Close are safe to call from other goroutines.
type Conn struct {
	raw       net.Conn
	buf       []byte // received but not yet consumed
	timeout   time.Duration
	open      atomic.Bool
	cancelled atomic.Bool
}

// NewConn wraps an already-established connection (server accept path).
func NewConn(raw net.Conn, timeout time.Duration) *Conn {
	c := &Conn{raw: raw, timeout: timeout}
	c.open.Store(true)
	return c
}

// Dial resolves the host, shuffles the candidates and connects to the first
// one that answers. A non-nil tlsConfig adds a TLS handshake right after the
// transport connects.
func Dial(host string, port int, timeout time.Duration, tlsConfig *tls.Config) (*Conn, error) {
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrResolve, host)
	}

	rand.Shuffle(len(addrs), func(i, j int) {
		addrs[i], addrs[j] = addrs[j], addrs[i]
	})

	var raw net.Conn
	for _, addr := range addrs {
		raw, err = net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), timeout)
		if err == nil {
			break
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s:%d", ErrConnect, host, port)
	}

	if tlsConfig != nil {
		tlsConn := tls.Client(raw, tlsConfig)
		tlsConn.SetDeadline(time.Now().Add(timeout))
		if err := tlsConn.Handshake(); err != nil {
			raw.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", ErrConnect, err)
		}
		tlsConn.SetDeadline(time.Time{})
		raw = tlsConn
	}

	return NewConn(raw, timeout), nil
}

func (c *Conn) IsOpen() bool { return c.open.Load() }

func (c *Conn) LocalAddr() string {
	if addr := c.raw.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) RemoteAddr() string {
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// SetTimeout replaces the default per-operation timeout and returns the
// previous one.
func (c *Conn) SetTimeout(d time.Duration) time.Duration {
	prev := c.timeout
	c.timeout = d
	return prev
}

// ReadUntil reads until the delimiter appears, consuming it, and returns the
// bytes before it. Previously buffered bytes are drained first. A timeout of
// 0 uses the connection default.
func (c *Conn) ReadUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	deadline := c.deadline(timeout)

	for {
		if idx := bytes.Index(c.buf, delim); idx >= 0 {
			ret := make([]byte, idx)
			copy(ret, c.buf[:idx])
			c.buf = c.buf[idx+len(delim):]
			return ret, nil
		}

		if err := c.fill(deadline); err != nil {
			return nil, err
		}
	}
}

// ReadFull reads exactly n bytes, draining the buffer first.
func (c *Conn) ReadFull(n int, timeout time.Duration) ([]byte, error) {
	deadline := c.deadline(timeout)

	for len(c.buf) < n {
		if err := c.fill(deadline); err != nil {
			return nil, err
		}
	}

	ret := make([]byte, n)
	copy(ret, c.buf[:n])
	c.buf = c.buf[n:]
	return ret, nil
}

// Write writes the whole buffer or fails.
func (c *Conn) Write(b []byte) (int, error) {
	if !c.open.Load() {
		return 0, ErrClosed
	}

	c.raw.SetWriteDeadline(time.Now().Add(c.timeout))
	n, err := c.raw.Write(b)
	if err != nil {
		return n, c.mapError(err)
	}
	return n, nil
}

// Cancel aborts an in-flight read from another goroutine. The pending
// operation completes with ErrCancel; buffered bytes stay intact.
func (c *Conn) Cancel() {
	c.cancelled.Store(true)
	c.raw.SetReadDeadline(time.Unix(1, 0))
}

func (c *Conn) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	return c.raw.Close()
}

func (c *Conn) deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = c.timeout
	}
	return time.Now().Add(timeout)
}

// fill performs one receive, appending whatever arrived to the buffer.
func (c *Conn) fill(deadline time.Time) error {
	if !c.open.Load() {
		return ErrClosed
	}

	c.raw.SetReadDeadline(deadline)
	chunk := make([]byte, readChunk)
	n, err := c.raw.Read(chunk)
	if n > 0 {
		c.buf = append(c.buf, chunk[:n]...)
	}
	if err != nil {
		return c.mapError(err)
	}
	return nil
}

// mapError folds transport errors into the package sentinels. Exactly one of
// timeout, cancel or I/O failure is reported per operation.
func (c *Conn) mapError(err error) error {
	if c.cancelled.CompareAndSwap(true, false) {
		return ErrCancel
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if !c.open.Load() {
		return ErrClosed
	}
	return err
}
