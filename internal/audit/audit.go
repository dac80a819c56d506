// Package audit appends access decisions to logs/audit.jsonl under the
// conductor home.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/conductor/internal/shared"
)

type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

type Entry struct {
	Timestamp     string   `json:"timestamp"`
	TraceID       string   `json:"trace_id,omitempty"`
	Decision      Decision `json:"decision"`
	Audience      string   `json:"audience"`
	Subject       string   `json:"subject"`
	Object        string   `json:"object"`
	Action        string   `json:"action"`
	Reason        string   `json:"reason,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
}

// Log is safe for concurrent use. A nil *Log discards entries.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
	now       func() time.Time
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the number of deny decisions since Open.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

// Record writes one decision. Reason and subject are redacted first.
func (l *Log) Record(traceID string, decision Decision, audience, subject string, object []string, action, reason, policyVersion string) {
	if l == nil {
		return
	}
	if decision == Deny {
		l.denyCount.Add(1)
	}
	b, err := json.Marshal(Entry{
		Timestamp:     l.now().UTC().Format(time.RFC3339Nano),
		TraceID:       traceID,
		Decision:      decision,
		Audience:      audience,
		Subject:       shared.Redact(subject),
		Object:        strings.Join(object, "/"),
		Action:        action,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
	})
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
