package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	rawA, rawB := net.Pipe()
	a := NewConn(rawA, time.Second)
	b := NewConn(rawB, time.Second)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestReadUntil(t *testing.T) {
	local, remote := pipePair(t)

	go remote.Write([]byte("first line\r\nsecond line\r\n"))

	line, err := local.ReadUntil([]byte("\r\n"), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(line) != "first line" {
		t.Errorf("got %q, want %q", line, "first line")
	}

	line, err = local.ReadUntil([]byte("\r\n"), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(line) != "second line" {
		t.Errorf("got %q, want %q", line, "second line")
	}
}

func TestReadUntilSplitWrites(t *testing.T) {
	local, remote := pipePair(t)

	go func() {
		remote.Write([]byte("hel"))
		time.Sleep(10 * time.Millisecond)
		remote.Write([]byte("lo\r"))
		time.Sleep(10 * time.Millisecond)
		remote.Write([]byte("\nrest"))
	}()

	line, err := local.ReadUntil([]byte("\r\n"), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(line) != "hello" {
		t.Errorf("got %q, want %q", line, "hello")
	}

	rest, err := local.ReadFull(4, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(rest) != "rest" {
		t.Errorf("got %q, want %q", rest, "rest")
	}
}

func TestReadFullDrainsBuffer(t *testing.T) {
	local, remote := pipePair(t)

	go remote.Write([]byte("header\r\nbody bytes"))

	if _, err := local.ReadUntil([]byte("\r\n"), time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, err := local.ReadFull(10, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(body, []byte("body bytes")) {
		t.Errorf("got %q, want %q", body, "body bytes")
	}
}

func TestReadTimeout(t *testing.T) {
	local, _ := pipePair(t)

	_, err := local.ReadUntil([]byte("\r\n"), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestCancelPendingRead(t *testing.T) {
	local, _ := pipePair(t)

	errs := make(chan error, 1)
	go func() {
		_, err := local.ReadUntil([]byte("\r\n"), 5*time.Second)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	local.Cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrCancel) {
			t.Errorf("got %v, want ErrCancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read was not cancelled")
	}
}

func TestCancelKeepsBuffer(t *testing.T) {
	local, remote := pipePair(t)

	go remote.Write([]byte("partial"))

	errs := make(chan error, 1)
	go func() {
		_, err := local.ReadUntil([]byte("\r\n"), 5*time.Second)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	local.Cancel()

	if err := <-errs; !errors.Is(err, ErrCancel) {
		t.Fatalf("got %v, want ErrCancel", err)
	}

	// The partial data stays readable after the cancelled operation.
	go remote.Write([]byte(" done\r\n"))

	line, err := local.ReadUntil([]byte("\r\n"), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(line) != "partial done" {
		t.Errorf("got %q, want %q", line, "partial done")
	}
}

func TestReadAfterClose(t *testing.T) {
	local, _ := pipePair(t)
	local.Close()

	if _, err := local.ReadUntil([]byte("\r\n"), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("read: got %v, want ErrClosed", err)
	}
	if _, err := local.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("write: got %v, want ErrClosed", err)
	}
}
