package persistence

import (
	"time"
)

// SharingPolicy controls how rtcs of a room are shared between participants.
type SharingPolicy string

const (
	SharingNone   SharingPolicy = "none"
	SharingShared SharingPolicy = "shared"
	SharingOwned  SharingPolicy = "owned"
)

// TimeRequirement filters rooms by where now falls in their time range.
type TimeRequirement int

const (
	// AnyTime accepts every room.
	AnyTime TimeRequirement = iota
	// NotClosed accepts rooms whose close bound is unset or in the future.
	NotClosed
	// OpenNow additionally requires the open bound to be set and not in the future.
	OpenNow
)

func (r TimeRequirement) String() string {
	switch r {
	case NotClosed:
		return "not_closed"
	case OpenNow:
		return "open"
	default:
		return "any"
	}
}

type RecordingStatus string

const (
	RecordingInProgress RecordingStatus = "in_progress"
	RecordingReady      RecordingStatus = "ready"
	RecordingMissing    RecordingStatus = "missing"
)

// Terminal reports whether no further transition is possible.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingReady || s == RecordingMissing
}

type AgentStatus string

const (
	AgentInProgress AgentStatus = "in_progress"
	AgentReady      AgentStatus = "ready"
)

// Backend is a media gateway that completed session and control handle bootstrap.
type Backend struct {
	ID               string    `json:"id"`
	SessionID        int64     `json:"session_id"`
	HandleID         int64     `json:"handle_id"`
	Capacity         *int64    `json:"capacity,omitempty"`
	BalancerCapacity *int64    `json:"balancer_capacity,omitempty"`
	Group            string    `json:"group,omitempty"`
	JanusURL         string    `json:"janus_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type Room struct {
	ID            string        `json:"id"`
	Audience      string        `json:"audience"`
	OpenedAt      *time.Time    `json:"opened_at,omitempty"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
	SharingPolicy SharingPolicy `json:"rtc_sharing_policy"`
	Host          string        `json:"host,omitempty"`
	ClassroomID   string        `json:"classroom_id,omitempty"`
	BackendID     string        `json:"backend_id,omitempty"`
	TimedOut      bool          `json:"timed_out"`
	CreatedAt     time.Time     `json:"created_at"`
}

// IsClosed reports whether the close bound is set and not after now.
func (r Room) IsClosed(now time.Time) bool {
	return r.ClosedAt != nil && !r.ClosedAt.After(now)
}

// Meets reports whether the room satisfies req at now.
func (r Room) Meets(req TimeRequirement, now time.Time) bool {
	switch req {
	case NotClosed:
		return !r.IsClosed(now)
	case OpenNow:
		return r.OpenedAt != nil && !r.OpenedAt.After(now) && !r.IsClosed(now)
	default:
		return true
	}
}

type Rtc struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Stream is the lifecycle record of one publisher on a backend handle.
// RoomID is resolved through the stream's rtc.
type Stream struct {
	ID        string     `json:"id"`
	HandleID  int64      `json:"handle_id"`
	RtcID     string     `json:"rtc_id"`
	RoomID    string     `json:"room_id"`
	BackendID string     `json:"backend_id"`
	Label     string     `json:"label"`
	SentBy    string     `json:"sent_by"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Active reports whether the stream has started and not stopped.
func (s Stream) Active() bool {
	return s.StartedAt != nil && s.StoppedAt == nil
}

// Segment is a recorded [start, end) interval in milliseconds relative to StartedAt.
type Segment [2]int64

type Recording struct {
	RtcID        string          `json:"rtc_id"`
	Status       RecordingStatus `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	Segments     []Segment       `json:"segments,omitempty"`
	MjrDumpsURIs []string        `json:"mjr_dumps_uris,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RtcRecording pairs an rtc with its recording, if one exists.
type RtcRecording struct {
	Rtc       Rtc
	Recording *Recording
}

// Agent is a presence row of an agent inside a room.
type Agent struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	RoomID    string      `json:"room_id"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// AgentConnection links an agent presence row to the handle it reads or writes through.
type AgentConnection struct {
	AgentRowID string    `json:"agent_id"`
	RtcID      string    `json:"rtc_id"`
	HandleID   int64     `json:"handle_id"`
	BackendID  string    `json:"backend_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// VacuumItem is one in-progress recording of a finished room and the backend that holds it.
type VacuumItem struct {
	Room      Room
	Recording Recording
	Backend   Backend
}

// OrphanedRoom is a room whose host left without closing it.
type OrphanedRoom struct {
	Room       Room
	HostLeftAt time.Time
}
