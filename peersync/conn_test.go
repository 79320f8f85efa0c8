package peersync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmesh/dmesh-go/wire"
)

func TestPipe_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, b := NewPipe()

	if err := a.WriteFrame(ctx, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteFrame(ctx, []byte("two")); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"one", "two"} {
		frame, err := b.ReadFrame(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if string(frame) != want {
			t.Errorf("ReadFrame = %q, want %q", frame, want)
		}
	}
}

func TestPipe_Close(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, b := NewPipe()

	// In-flight frames drain before closure surfaces.
	if err := a.WriteFrame(ctx, []byte("last")); err != nil {
		t.Fatal(err)
	}
	a.Close()

	frame, err := b.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("drained read error = %v", err)
	}
	if string(frame) != "last" {
		t.Errorf("drained frame = %q", frame)
	}
	if _, err := b.ReadFrame(ctx); !errors.Is(err, ErrConnClosed) {
		t.Errorf("read after close error = %v, want %v", err, ErrConnClosed)
	}
	if err := b.WriteFrame(ctx, []byte("x")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("write after close error = %v, want %v", err, ErrConnClosed)
	}
}

func TestPipe_ContextCancel(t *testing.T) {
	t.Parallel()
	a, _ := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.ReadFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadFrame error = %v, want %v", err, context.Canceled)
	}
}

// TestWSConn_Session runs a full sync session over a real websocket: the
// server side answers the handshake and syncs as one node, the dialing
// side as the other.
func TestWSConn_Session(t *testing.T) {
	t.Parallel()
	alice, bob := newNode(t), newNode(t)
	msgID := alice.queue(t, bob, "over websocket")

	upgrader := websocket.Upgrader{}
	serverErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			serverErr <- err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn := NewWSConn(ws)
		defer conn.Close()
		_, err = NewSession(bob.config(wire.Capabilities{}), conn).Run(ctx)
		serverErr <- err
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn := NewWSConn(ws)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var clientErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, clientErr = NewSession(alice.config(wire.Capabilities{}), conn).Run(ctx)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("client session error = %v", clientErr)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server session error = %v", err)
	}

	bob.mu.Lock()
	defer bob.mu.Unlock()
	if len(bob.got) != 1 || bob.got[0].MsgID != msgID {
		t.Errorf("websocket session delivered %d envelopes", len(bob.got))
	}
}
