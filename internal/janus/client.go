package janus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/conductor/internal/bus"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/shared"
)

// Sender delivers a request to the named backend.
type Sender interface {
	Send(ctx context.Context, backendID string, req Request) error
}

// TimeoutPolicy returns the expiry window of a protocol method.
type TimeoutPolicy func(method string) time.Duration

// Client builds outbound requests. Every request carries a freshly minted
// transaction token and is tracked for expiry.
type Client struct {
	sender   Sender
	tracker  *Tracker
	timeouts TimeoutPolicy
	metrics  *cotel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

func NewClient(sender Sender, tracker *Tracker, timeouts TimeoutPolicy, metrics *cotel.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeouts == nil {
		timeouts = func(string) time.Duration { return 0 }
	}
	return &Client{
		sender:   sender,
		tracker:  tracker,
		timeouts: timeouts,
		metrics:  metrics,
		tracer:   otelapi.Tracer(cotel.TracerName),
		logger:   logger,
		now:      time.Now,
	}
}

// send registers data, builds the request around the token and delivers it.
// It returns the token.
func (c *Client) send(ctx context.Context, backendID, method string, data Payload, build func(token string) Request) (string, error) {
	var kind TxKind
	if data != nil {
		kind = data.Kind()
	}
	ctx, span := cotel.StartRequestSpan(ctx, c.tracer, backendID, method, string(kind))
	defer span.End()

	token, err := Register(NewTransaction(shared.TraceID(ctx), data))
	if err != nil {
		cotel.RecordFailure(span, err, string(ErrMessageBuilding))
		return "", err
	}
	req := build(token)
	if c.tracker != nil {
		c.tracker.Track(token, backendID, method, c.timeouts(method))
	}
	if c.metrics != nil {
		c.metrics.Add(ctx, c.metrics.OutboundRequests,
			cotel.AttrMethod.String(method), cotel.AttrBackendID.String(backendID))
	}
	if err := c.sender.Send(ctx, backendID, req); err != nil {
		if c.tracker != nil {
			c.tracker.Finish(token)
		}
		err = wrapSend(err)
		cotel.RecordFailure(span, err, string(Classify(err).Kind))
		return "", err
	}
	c.logger.Debug("request sent", "backend_id", backendID, "method", method, "kind", string(kind))
	return token, nil
}

func wrapSend(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(ErrBackendRequest, err)
}

func (c *Client) nowMillis() int64 {
	return c.now().UnixMilli()
}

// CreateSession opens a session on a backend that just came online.
func (c *Client) CreateSession(ctx context.Context, backendID string, data CreateSession) (string, error) {
	return c.send(ctx, backendID, MethodCreateSession, data, func(token string) Request {
		return Request{Janus: "create", Transaction: token}
	})
}

// CreateControlHandle attaches the handle used for service requests of the backend.
func (c *Client) CreateControlHandle(ctx context.Context, backendID string, data CreateControlHandle) (string, error) {
	return c.send(ctx, backendID, MethodCreateHandle, data, func(token string) Request {
		return Request{Janus: "attach", Transaction: token, SessionID: data.SessionID, Plugin: Plugin}
	})
}

// CreatePoolHandle attaches one warm handle for the pool.
func (c *Client) CreatePoolHandle(ctx context.Context, backendID string, sessionID int64) (string, error) {
	return c.send(ctx, backendID, MethodCreateHandle, CreatePoolHandle{SessionID: sessionID}, func(token string) Request {
		return Request{Janus: "attach", Transaction: token, SessionID: sessionID, Plugin: Plugin}
	})
}

// StreamTarget addresses a handle of a backend session.
type StreamTarget struct {
	BackendID string
	SessionID int64
	HandleID  int64
}

// CreateStream offers a publisher's SDP for the rtc. The answer is relayed to
// requester once the backend emits the matching event.
func (c *Client) CreateStream(ctx context.Context, target StreamTarget, requester bus.Requester, streamID, rtcID, agentID string, jsep json.RawMessage) (string, error) {
	speaking, err := Register(NewTransaction(shared.TraceID(ctx), AgentSpeaking{RtcID: rtcID, AgentID: agentID}))
	if err != nil {
		return "", err
	}
	data := CreateStream{Requester: requester, StreamID: streamID, RtcID: rtcID, HandleID: target.HandleID, StartedAt: c.nowMillis()}
	return c.send(ctx, target.BackendID, MethodCreateStream, data, func(token string) Request {
		return Request{
			Janus:       "message",
			Transaction: token,
			SessionID:   target.SessionID,
			HandleID:    target.HandleID,
			Body:        StreamBody{Method: MethodCreateStream, ID: rtcID, AgentID: agentID, SpeakingTransaction: speaking},
			Jsep:        jsep,
		}
	})
}

// ReadStream offers a subscriber's SDP for the rtc.
func (c *Client) ReadStream(ctx context.Context, target StreamTarget, requester bus.Requester, rtcID, agentID string, jsep json.RawMessage) (string, error) {
	data := ReadStream{Requester: requester, RtcID: rtcID, HandleID: target.HandleID, StartedAt: c.nowMillis()}
	return c.send(ctx, target.BackendID, MethodReadStream, data, func(token string) Request {
		return Request{
			Janus:       "message",
			Transaction: token,
			SessionID:   target.SessionID,
			HandleID:    target.HandleID,
			Body:        StreamBody{Method: MethodReadStream, ID: rtcID, AgentID: agentID},
			Jsep:        jsep,
		}
	})
}

// Trickle forwards ICE candidates. The backend acks it and requester gets an empty OK.
func (c *Client) Trickle(ctx context.Context, target StreamTarget, requester bus.Requester, candidate json.RawMessage) (string, error) {
	data := Trickle{Requester: requester, StartedAt: c.nowMillis()}
	return c.send(ctx, target.BackendID, MethodTrickle, data, func(token string) Request {
		return Request{
			Janus:       "trickle",
			Transaction: token,
			SessionID:   target.SessionID,
			HandleID:    target.HandleID,
			Candidate:   candidate,
		}
	})
}

// UpdateReaderConfig pushes reader configs of a room to the backend.
func (c *Client) UpdateReaderConfig(ctx context.Context, target StreamTarget, roomID string, configs []ReaderConfig) (string, error) {
	return c.send(ctx, target.BackendID, MethodUpdateReaderConfig, UpdateReaderConfig{RoomID: roomID}, func(token string) Request {
		return Request{
			Janus:       "message",
			Transaction: token,
			SessionID:   target.SessionID,
			HandleID:    target.HandleID,
			Body:        readerConfigBody{Method: MethodUpdateReaderConfig, Configs: configs},
		}
	})
}

// UpdateWriterConfig pushes writer configs of a room to the backend.
func (c *Client) UpdateWriterConfig(ctx context.Context, target StreamTarget, roomID string, configs []WriterConfig) (string, error) {
	return c.send(ctx, target.BackendID, MethodUpdateWriterConfig, UpdateWriterConfig{RoomID: roomID}, func(token string) Request {
		return Request{
			Janus:       "message",
			Transaction: token,
			SessionID:   target.SessionID,
			HandleID:    target.HandleID,
			Body:        writerConfigBody{Method: MethodUpdateWriterConfig, Configs: configs},
		}
	})
}

// UploadStream asks the backend to upload the recording of rtcID to bucket.
func (c *Client) UploadStream(ctx context.Context, target StreamTarget, rtcID, uploadBackend, bucket string) (string, error) {
	data := UploadStream{RtcID: rtcID, StartedAt: c.nowMillis()}
	return c.send(ctx, target.BackendID, MethodUploadStream, data, func(token string) Request {
		return Request{
			Janus:       "message",
			Transaction: token,
			SessionID:   target.SessionID,
			HandleID:    target.HandleID,
			Body:        UploadBody{Method: MethodUploadStream, ID: rtcID, Backend: uploadBackend, Bucket: bucket},
		}
	})
}

// ServicePing keeps the backend session alive.
func (c *Client) ServicePing(ctx context.Context, target StreamTarget) (string, error) {
	return c.send(ctx, target.BackendID, MethodServicePing, ServicePing{}, func(token string) Request {
		return Request{
			Janus:       "message",
			Transaction: token,
			SessionID:   target.SessionID,
			HandleID:    target.HandleID,
			Body:        pingBody{Method: MethodServicePing},
		}
	})
}
