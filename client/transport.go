package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Exchanger sends one encoded request to a KDC and returns the reply.
type Exchanger interface {
	Exchange(ctx context.Context, req []byte) ([]byte, error)
}

// maxMessage bounds a reply.
const maxMessage = 65535

// TCP talks to a KDC over TCP with the 4-byte length prefix.
type TCP struct {
	Addr string
	// Timeout bounds the whole exchange (default 5 seconds).
	Timeout time.Duration
}

func (t TCP) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout(t.Timeout))
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect to KDC: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	frame := make([]byte, 4+len(req))
	binary.BigEndian.PutUint32(frame, uint32(len(req)))
	copy(frame[4:], req)
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	respLen := binary.BigEndian.Uint32(lenBuf[:])
	if respLen > maxMessage {
		return nil, fmt.Errorf("response too large: %d", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// UDP talks to a KDC over UDP, one datagram each way.
type UDP struct {
	Addr string
	// Timeout bounds the whole exchange (default 5 seconds).
	Timeout time.Duration
}

func (u UDP) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout(u.Timeout))
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", u.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect to KDC: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	buf := make([]byte, maxMessage)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return buf[:n], nil
}

// Handler answers requests in process, as *kdc.Engine does.
type Handler interface {
	HandleRequest(ctx context.Context, raw []byte) []byte
}

// Local hands requests directly to a Handler.
type Local struct {
	Handler Handler
}

func (l Local) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	return l.Handler.HandleRequest(ctx, req), nil
}

func timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
