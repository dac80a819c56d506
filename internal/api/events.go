package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/janus"
	"github.com/basket/conductor/internal/shared"
)

const eventWriteTimeout = 10 * time.Second

// eventFrame is what a websocket subscriber receives per bus event.
type eventFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// subscriptionObject maps a topic to the object a subscriber must be allowed
// to read. Response topics are only readable by their own agent.
func subscriptionObject(topic, agentID string) ([]string, error) {
	switch {
	case strings.HasPrefix(topic, bus.RoomsPrefix):
		id, ok := strings.CutSuffix(strings.TrimPrefix(topic, bus.RoomsPrefix), "/events")
		if !ok || id == "" || strings.Contains(id, "/") {
			break
		}
		return []string{"rooms", id, "events"}, nil
	case strings.HasPrefix(topic, bus.AudiencesPrefix):
		aud, ok := strings.CutSuffix(strings.TrimPrefix(topic, bus.AudiencesPrefix), "/events")
		if !ok || aud == "" || strings.Contains(aud, "/") {
			break
		}
		return []string{"audiences", aud, "events"}, nil
	case strings.HasPrefix(topic, bus.ResponsesPrefix):
		if topic != bus.ResponsesTopic(agentID) {
			return nil, janus.Errorf(janus.ErrAccessDenied, "topic %q belongs to another agent", topic)
		}
		return nil, nil
	}
	return nil, janus.Errorf(janus.ErrMessageParsing, "unsupported topic %q", topic)
}

// handleEvents upgrades to a websocket and relays every bus event of one
// topic until either side goes away. Events dropped by the bus for a slow
// subscriber are not replayed.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		topic := r.URL.Query().Get("topic")
		agentID := shared.Subject(ctx)
		object, err := subscriptionObject(topic, agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		if object != nil {
			if err := authorize(ctx, deps, object, "read"); err != nil {
				writeError(w, err)
				return
			}
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: deps.AllowOrigins,
		})
		if err != nil {
			return
		}
		sub := deps.Bus.Subscribe(topic)
		logger := deps.Logger.With("agent_id", agentID, "topic", topic)
		logger.Info("events: subscriber connected")
		defer func() {
			deps.Bus.Unsubscribe(sub)
			logger.Info("events: subscriber disconnecting", "dropped", sub.Dropped())
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}()

		// Subscribers never send; CloseRead surfaces the peer's close.
		ctx = conn.CloseRead(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
				err := wsjson.Write(wctx, conn, eventFrame{Topic: ev.Topic, Payload: ev.Payload})
				cancel()
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						logger.Warn("events: write failed", "error", err)
					}
					return
				}
			}
		}
	}
}
