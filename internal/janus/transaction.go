package janus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/conductor/internal/bus"
)

// TxKind names a transaction variant on the wire.
type TxKind string

const (
	KindCreateSession       TxKind = "create_session"
	KindCreateControlHandle TxKind = "create_control_handle"
	KindCreatePoolHandle    TxKind = "create_pool_handle"
	KindCreateStream        TxKind = "create_stream"
	KindReadStream          TxKind = "read_stream"
	KindTrickle             TxKind = "trickle"
	KindUpdateReaderConfig  TxKind = "update_reader_config"
	KindUpdateWriterConfig  TxKind = "update_writer_config"
	KindUploadStream        TxKind = "upload_stream"
	KindAgentSpeaking       TxKind = "agent_speaking"
	KindServicePing         TxKind = "service_ping"
)

// Payload is one transaction variant. The set of variants is closed: every
// implementation lives in this file and is handled by decodePayload.
type Payload interface {
	Kind() TxKind
}

// Transaction is the self-describing correlation unit carried in the
// transaction field of every request. The backend echoes it back verbatim,
// so it holds everything needed to resume processing of the reply.
type Transaction struct {
	ID      string
	TraceID string
	Data    Payload
}

// NewTransaction wraps data with a fresh token id.
func NewTransaction(traceID string, data Payload) Transaction {
	return Transaction{ID: uuid.NewString(), TraceID: traceID, Data: data}
}

// Kind returns the variant of the carried payload.
func (t Transaction) Kind() TxKind {
	if t.Data == nil {
		return ""
	}
	return t.Data.Kind()
}

type CreateSession struct {
	Capacity         *int64 `json:"capacity,omitempty"`
	BalancerCapacity *int64 `json:"balancer_capacity,omitempty"`
	Group            string `json:"group,omitempty"`
	JanusURL         string `json:"janus_url,omitempty"`
}

type CreateControlHandle struct {
	SessionID        int64  `json:"session_id"`
	Capacity         *int64 `json:"capacity,omitempty"`
	BalancerCapacity *int64 `json:"balancer_capacity,omitempty"`
	Group            string `json:"group,omitempty"`
	JanusURL         string `json:"janus_url,omitempty"`
}

type CreatePoolHandle struct {
	SessionID int64 `json:"session_id"`
}

// CreateStream resumes a publisher's signaling request once the backend answers.
type CreateStream struct {
	Requester bus.Requester `json:"requester"`
	StreamID  string        `json:"stream_id"`
	RtcID     string        `json:"rtc_id"`
	HandleID  int64         `json:"handle_id"`
	// StartedAt is unix milliseconds at the time the request was issued.
	StartedAt int64 `json:"started_at"`
}

// ReadStream resumes a subscriber's signaling request once the backend answers.
type ReadStream struct {
	Requester bus.Requester `json:"requester"`
	RtcID     string        `json:"rtc_id"`
	HandleID  int64         `json:"handle_id"`
	StartedAt int64         `json:"started_at"`
}

type Trickle struct {
	Requester bus.Requester `json:"requester"`
	StartedAt int64         `json:"started_at"`
}

type UpdateReaderConfig struct {
	RoomID string `json:"room_id"`
}

type UpdateWriterConfig struct {
	RoomID string `json:"room_id"`
}

type UploadStream struct {
	RtcID     string `json:"rtc_id"`
	StartedAt int64  `json:"started_at"`
}

// AgentSpeaking is minted for a publisher so that the backend can tag
// voice activity events of its stream.
type AgentSpeaking struct {
	RtcID   string `json:"rtc_id"`
	AgentID string `json:"agent_id"`
}

type ServicePing struct{}

func (CreateSession) Kind() TxKind       { return KindCreateSession }
func (CreateControlHandle) Kind() TxKind { return KindCreateControlHandle }
func (CreatePoolHandle) Kind() TxKind    { return KindCreatePoolHandle }
func (CreateStream) Kind() TxKind        { return KindCreateStream }
func (ReadStream) Kind() TxKind          { return KindReadStream }
func (Trickle) Kind() TxKind             { return KindTrickle }
func (UpdateReaderConfig) Kind() TxKind  { return KindUpdateReaderConfig }
func (UpdateWriterConfig) Kind() TxKind  { return KindUpdateWriterConfig }
func (UploadStream) Kind() TxKind        { return KindUploadStream }
func (AgentSpeaking) Kind() TxKind       { return KindAgentSpeaking }
func (ServicePing) Kind() TxKind         { return KindServicePing }

type wireTransaction struct {
	ID      string          `json:"id"`
	TraceID string          `json:"trace_id,omitempty"`
	Kind    TxKind          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// Register serializes t into an opaque token.
func Register(t Transaction) (string, error) {
	if t.Data == nil {
		return "", NewError(ErrMessageBuilding, fmt.Errorf("transaction %q has no payload", t.ID))
	}
	data, err := json.Marshal(t.Data)
	if err != nil {
		return "", NewError(ErrMessageBuilding, fmt.Errorf("encode %s transaction: %w", t.Data.Kind(), err))
	}
	raw, err := json.Marshal(wireTransaction{ID: t.ID, TraceID: t.TraceID, Kind: t.Data.Kind(), Data: data})
	if err != nil {
		return "", NewError(ErrMessageBuilding, fmt.Errorf("encode transaction: %w", err))
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Resolve decodes a token produced by Register. Every failure is a permanent
// parsing error.
func Resolve(token string) (Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Transaction{}, NewError(ErrMessageParsing, fmt.Errorf("decode transaction: %w", err))
	}
	var w wireTransaction
	if err := json.Unmarshal(raw, &w); err != nil {
		return Transaction{}, NewError(ErrMessageParsing, fmt.Errorf("parse transaction: %w", err))
	}
	data, err := decodePayload(w.Kind, w.Data)
	if err != nil {
		return Transaction{}, NewError(ErrMessageParsing, err)
	}
	return Transaction{ID: w.ID, TraceID: w.TraceID, Data: data}, nil
}

func decodePayload(kind TxKind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindCreateSession:
		return decodeInto[CreateSession](kind, raw)
	case KindCreateControlHandle:
		return decodeInto[CreateControlHandle](kind, raw)
	case KindCreatePoolHandle:
		return decodeInto[CreatePoolHandle](kind, raw)
	case KindCreateStream:
		return decodeInto[CreateStream](kind, raw)
	case KindReadStream:
		return decodeInto[ReadStream](kind, raw)
	case KindTrickle:
		return decodeInto[Trickle](kind, raw)
	case KindUpdateReaderConfig:
		return decodeInto[UpdateReaderConfig](kind, raw)
	case KindUpdateWriterConfig:
		return decodeInto[UpdateWriterConfig](kind, raw)
	case KindUploadStream:
		return decodeInto[UploadStream](kind, raw)
	case KindAgentSpeaking:
		return decodeInto[AgentSpeaking](kind, raw)
	case KindServicePing:
		return decodeInto[ServicePing](kind, raw)
	default:
		return nil, fmt.Errorf("unknown transaction kind %q", kind)
	}
}

func decodeInto[T Payload](kind TxKind, raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s transaction has no data", kind)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse %s transaction data: %w", kind, err)
	}
	return v, nil
}
