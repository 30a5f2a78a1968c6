package firecracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	dialMaxRetries  = 8
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn is a connection to the guest agent. It is used by a single
// goroutine.
type GuestConn struct {
	conn net.Conn
	// reader keeps bytes buffered during the handshake.
	reader io.Reader
}

// DialGuest connects to the guest agent through Firecracker's vsock UDS
// bridge, retrying with exponential backoff while the guest boots. The
// context deadline, if any, becomes the connection deadline.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial guest: %w", err)
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			if deadline, ok := ctx.Deadline(); ok {
				if err := gc.conn.SetDeadline(deadline); err != nil {
					gc.conn.Close()
					return nil, fmt.Errorf("set deadline: %w", err)
				}
			}
			return gc, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS performs Firecracker's host-initiated handshake: send
// "CONNECT <port>\n", expect "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}
	return &GuestConn{conn: conn, reader: reader}, nil
}

// Run sends req and relays each harness line to onLine until the guest
// reports how the harness exited.
func (gc *GuestConn) Run(req GuestRequest, onLine func(line []byte)) (GuestExit, error) {
	if err := WriteMessage(gc.conn, &req); err != nil {
		return GuestExit{}, fmt.Errorf("send request: %w", err)
	}
	for {
		var msg GuestMessage
		if err := ReadMessage(gc.reader, &msg); err != nil {
			return GuestExit{}, fmt.Errorf("read guest message: %w", err)
		}
		switch msg.Type {
		case MsgTypeLine:
			if onLine != nil {
				onLine([]byte(msg.Line))
			}
		case MsgTypeExit:
			if msg.Exit == nil {
				return GuestExit{}, errors.New("exit message without status")
			}
			return *msg.Exit, nil
		default:
			return GuestExit{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
