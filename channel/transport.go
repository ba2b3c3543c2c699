// Package channel implements the state-channel protocol client: relay
// authentication by challenge/response, application-session lifecycle, and
// signed incremental balance updates over a persistent duplex connection.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// Transport is one duplex connection to the relay carrying discrete frames.
type Transport interface {
	// ReadFrame blocks until the next frame arrives or the connection
	// dies.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame sends one frame.
	WriteFrame(ctx context.Context, frame []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens a Transport to a relay endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials the relay over a websocket.
type WebSocketDialer struct{}

// Dial opens a websocket connection to the relay.
func (WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	// Relay frames are small; the default 32KB read limit is generous but
	// a burst of history on reconnect can exceed it.
	conn.SetReadLimit(1 << 20)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read relay frame: %w", err)
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write relay frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// Pipe returns two connected in-memory transports: frames written to one
// side are read from the other. It backs the fake relay in tests and any
// in-process relay deployment.
func Pipe() (client, server Transport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	client = &pipeTransport{in: ba, out: ab, done: done, close: closeDone}
	server = &pipeTransport{in: ab, out: ba, done: done, close: closeDone}
	return client, server
}

type pipeTransport struct {
	in    <-chan []byte
	out   chan<- []byte
	done  chan struct{}
	close func()
}

func (t *pipeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.in:
		return frame, nil
	case <-t.done:
		return nil, queryfi.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *pipeTransport) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case t.out <- frame:
		return nil
	case <-t.done:
		return queryfi.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pipeTransport) Close() error {
	t.close()
	return nil
}
