package peersync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned when a frame connection is no longer usable.
var ErrConnClosed = errors.New("sync connection closed")

// FrameConn is the bidirectional byte channel a sync session runs over.
// Any carrier that can move delimited byte frames qualifies: a websocket,
// a net.Conn with length framing, an in-memory pipe in tests.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// pipeEnd is one side of an in-memory frame pipe.
type pipeEnd struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

// NewPipe returns two connected in-memory frame connections. Frames are
// buffered, so lockstep peers never deadlock on a write.
func NewPipe() (FrameConn, FrameConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, closed: closed, once: once}
	b := &pipeEnd{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

func (p *pipeEnd) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.closed:
		// Drain frames already in flight before reporting closure.
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrConnClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// WSConn adapts a websocket connection into a FrameConn, one text message
// per frame. Reads and writes may run concurrently; writes are serialized.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := w.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
		}
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return data, nil
}

func (w *WSConn) WriteFrame(ctx context.Context, frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := w.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("%w: %v", ErrConnClosed, err)
		}
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}
