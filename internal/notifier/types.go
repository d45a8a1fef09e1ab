package notifier

import (
	"context"
	"errors"
	"time"
)

// ErrChannel wraps every delivery failure. It is never fatal.
var ErrChannel = errors.New("notification channel error")

// Channel is one delivery route.
type Channel interface {
	Name() string
	Send(ctx context.Context, title, body string) error
}

// Config controls the delivery wrapper.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Title   string
	Err     string
}

// NotificationEvent is emitted on the event bus for delivery lifecycle events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	Title    string    `json:"title"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
