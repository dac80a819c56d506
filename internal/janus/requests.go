package janus

import "encoding/json"

// Plugin is the backend plugin every handle is attached to.
const Plugin = "janus.plugin.conference"

// Protocol methods. They name requests in logs and metrics and key the
// per-method transaction timeouts.
const (
	MethodCreateSession      = "janus_session.create"
	MethodCreateHandle       = "janus_handle.create"
	MethodCreateStream       = "stream.create"
	MethodReadStream         = "stream.read"
	MethodTrickle            = "rtc_signal.trickle"
	MethodUpdateReaderConfig = "agent_reader_config.update"
	MethodUpdateWriterConfig = "agent_writer_config.update"
	MethodUploadStream       = "stream.upload"
	MethodServicePing        = "service.ping"
)

// Request is one outbound message to a backend.
type Request struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction"`
	SessionID   int64           `json:"session_id,omitempty"`
	HandleID    int64           `json:"handle_id,omitempty"`
	Plugin      string          `json:"plugin,omitempty"`
	Body        any             `json:"body,omitempty"`
	Jsep        json.RawMessage `json:"jsep,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

// StreamBody is the plugin message of create and read stream requests.
type StreamBody struct {
	Method  string `json:"method"`
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	// SpeakingTransaction tags voice activity events of a published stream.
	SpeakingTransaction string `json:"speaking_transaction,omitempty"`
}

// ReaderConfig controls which media a reader receives from a writer.
type ReaderConfig struct {
	ReaderID     string `json:"reader_id"`
	StreamID     string `json:"stream_id"`
	ReceiveVideo bool   `json:"receive_video"`
	ReceiveAudio bool   `json:"receive_audio"`
}

// WriterConfig controls what a writer sends.
type WriterConfig struct {
	StreamID  string `json:"stream_id"`
	SendVideo bool   `json:"send_video"`
	SendAudio bool   `json:"send_audio"`
	VideoRemb *int64 `json:"video_remb,omitempty"`
}

type readerConfigBody struct {
	Method  string         `json:"method"`
	Configs []ReaderConfig `json:"configs"`
}

type writerConfigBody struct {
	Method  string         `json:"method"`
	Configs []WriterConfig `json:"configs"`
}

// UploadBody asks the backend to upload the recording of an rtc.
type UploadBody struct {
	Method  string `json:"method"`
	ID      string `json:"id"`
	Backend string `json:"backend"`
	Bucket  string `json:"bucket"`
}

type pingBody struct {
	Method string `json:"method"`
}
