package janus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Subprotocol is negotiated on every backend WebSocket.
const Subprotocol = "janus-protocol"

const maxMessageSize = 1 << 20

// MessageHandler receives every inbound frame of a backend connection.
type MessageHandler func(backendID string, data []byte)

// WSDialer dials backends over WebSocket. Inbound frames are handed to
// OnMessage, each on its own goroutine.
type WSDialer struct {
	OnMessage  MessageHandler
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (d *WSDialer) Dial(ctx context.Context, backendID, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := newWSTransport(backendID, conn, logger)
	go t.readLoop(d.OnMessage)
	return t, nil
}

// WSTransport is a backend connection over one WebSocket.
type WSTransport struct {
	backendID string
	conn      *websocket.Conn
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newWSTransport(backendID string, conn *websocket.Conn, logger *slog.Logger) *WSTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		backendID: backendID,
		conn:      conn,
		logger:    logger.With("backend_id", backendID),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (t *WSTransport) Send(ctx context.Context, req Request) error {
	select {
	case <-t.done:
		return errors.New("connection closed")
	default:
	}
	return wsjson.Write(ctx, t.conn, req)
}

func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.conn.Close(websocket.StatusNormalClosure, "bye")
		close(t.done)
	})
	return err
}

func (t *WSTransport) readLoop(onMessage MessageHandler) {
	defer func() { _ = t.Close() }()
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Warn("backend connection lost", "error", err)
			}
			return
		}
		if onMessage != nil {
			go onMessage(t.backendID, data)
		}
	}
}
