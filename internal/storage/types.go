package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config selects the journal backend.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database at Path (modernc.org/sqlite)
//
// Empty or "none" disables the journal.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Kind string

const (
	KindSession  Kind = "session"
	KindCampaign Kind = "campaign"
	KindCommand  Kind = "command"
	KindSkipped  Kind = "trigger_skipped"
)

// Record is one journal line. Fields that do not apply to Kind stay empty.
type Record struct {
	At           time.Time `json:"at"`
	Kind         Kind      `json:"kind"`
	SessionID    string    `json:"session_id,omitempty"`
	Trigger      string    `json:"trigger,omitempty"`
	State        string    `json:"state,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	Availability string    `json:"availability,omitempty"`
	Sent         int       `json:"sent,omitempty"`
	Emails       int       `json:"emails,omitempty"`
	Command      string    `json:"command,omitempty"`
	Args         string    `json:"args,omitempty"`
	ActorID      int64     `json:"actor_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	TookMS       int64     `json:"took_ms,omitempty"`
}

type Store interface {
	Append(ctx context.Context, r Record) error
	Close() error
}
