package bus

import "fmt"

// Topic prefixes.
const (
	RoomsPrefix     = "rooms/"
	AudiencesPrefix = "audiences/"
	ResponsesPrefix = "responses/"
)

// Notification labels.
const (
	LabelStreamUpdate  = "rtc_stream.update"
	LabelAgentSpeaking = "rtc_stream.agent_speaking"
	LabelRoomClose     = "room.close"
	LabelRoomUpload    = "room.upload"
)

// RoomEventsTopic is where notifications scoped to one room go.
func RoomEventsTopic(roomID string) string {
	return fmt.Sprintf("%s%s/events", RoomsPrefix, roomID)
}

// AudienceEventsTopic is where audience-wide notifications go.
func AudienceEventsTopic(audience string) string {
	return fmt.Sprintf("%s%s/events", AudiencesPrefix, audience)
}

// ResponsesTopic is the reply topic of the given agent.
func ResponsesTopic(agentID string) string {
	return ResponsesPrefix + agentID
}

// Notification is a labelled event delivered to a room or audience topic.
type Notification struct {
	Label   string `json:"label"`
	Payload any    `json:"payload"`
}

// Requester identifies who is waiting for a reply to a request.
type Requester struct {
	AgentID         string `json:"agent_id"`
	ReplyTo         string `json:"reply_to"`
	CorrelationData string `json:"correlation_data"`
}

// Response is a reply to a previously received request.
type Response struct {
	Requester Requester      `json:"requester"`
	Status    int            `json:"status"`
	Payload   any            `json:"payload,omitempty"`
	Error     *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse describes a failed request in a Response.
type ErrorResponse struct {
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}
