// Package notifier delivers best-effort interrupt notifications.
//
// It is the "system notification" half of a presenter: triggers are queued,
// rate limited, retried and deduplicated before reaching the configured
// sinks (terminal, webhook-style transports). The interactive prompt itself is
// shown by other presenters.
package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled         = errors.New("notifier disabled")
	ErrQueueFull        = errors.New("notifier queue full")
	ErrStopped          = errors.New("notifier stopped")
	ErrUnsupported      = errors.New("notifications unsupported")
	ErrPermissionDenied = errors.New("notification permission denied")
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	Console       bool
	Bell          bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	return c
}

// Message is one rendered notification.
type Message struct {
	UserID string
	Date   string
	Slot   int
	Title  string
	Body   string
}

func (m Message) key() string {
	return m.UserID + "|" + m.Date + "|" + m.Title
}

// Sink delivers a message to one channel. Returning ErrPermissionDenied or
// ErrUnsupported marks the failure as permanent so it is not retried.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Sink string    `json:"sink"`
	Text string    `json:"text"`
}

// NotificationEvent is published on the bus for notifier lifecycle events.
type NotificationEvent struct {
	Sink  string    `json:"sink,omitempty"`
	Slot  int       `json:"slot"`
	Title string    `json:"title"`
	Body  string    `json:"body,omitempty"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Bus event types.
const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
	EventDeduped = "notifier.deduped"
)
