package notifier

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// ConsoleSink prints notifications to a terminal, optionally ringing the bell.
type ConsoleSink struct {
	mu   sync.Mutex
	w    io.Writer
	bell bool
	now  func() time.Time
}

func NewConsoleSink(w io.Writer, bell bool) *ConsoleSink {
	return &ConsoleSink{w: w, bell: bell, now: time.Now}
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Send(_ context.Context, m Message) error {
	if c.w == nil {
		return ErrUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := ""
	if c.bell {
		prefix = "\a"
	}
	_, err := fmt.Fprintf(c.w, "%s[%s] %s: %s (%s)\n", prefix, c.now().Format("15:04"), m.UserID, m.Title, m.Body)
	return err
}
