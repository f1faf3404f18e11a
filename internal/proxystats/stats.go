// Package proxystats implements the Proxy's in-memory statistics
// counters and the hourly summary log line, grounded directly on the
// original's self.stats dict and print_stats/_periodic_stats
// (client/src/ws_client/proxy.py): messages_received, messages_sent,
// errors, and reconnections, logged once an hour and again on
// shutdown.
package proxystats

import (
	"log/slog"
	"sync/atomic"
)

// Counters is a goroutine-safe set of running totals for one Proxy
// process's lifetime.
type Counters struct {
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	errors           atomic.Int64
	reconnections    atomic.Int64
}

// New creates a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// IncMessagesReceived records one inbound tunnel frame handled by the
// MessagePump, satisfying messagepump.Stats.
func (c *Counters) IncMessagesReceived() {
	c.messagesReceived.Add(1)
}

// IncMessagesSent records one reply frame actually written to the
// tunnel socket, satisfying proxysession.Stats.
func (c *Counters) IncMessagesSent() {
	c.messagesSent.Add(1)
}

// IncErrors records one processing failure (invalid JSON, unroutable
// operation type, or a dropped offline-queue frame), satisfying
// messagepump.Stats.
func (c *Counters) IncErrors() {
	c.errors.Add(1)
}

// IncReconnections records one successful (re)connect to the cloud
// Server, satisfying proxysession.Stats.
func (c *Counters) IncReconnections() {
	c.reconnections.Add(1)
}

// LogSummary logs the running totals, matching print_stats' periodic
// vs. final framing.
func (c *Counters) LogSummary(periodic bool) {
	title := "final statistics"
	if periodic {
		title = "hourly statistics"
	}
	slog.Info(title,
		"messages_received", c.messagesReceived.Load(),
		"messages_sent", c.messagesSent.Load(),
		"errors", c.errors.Load(),
		"reconnections", c.reconnections.Load(),
	)
}
