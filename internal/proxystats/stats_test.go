package proxystats

import "testing"

func TestCounters_IncrementsAreIndependent(t *testing.T) {
	c := New()
	c.IncMessagesReceived()
	c.IncMessagesReceived()
	c.IncMessagesSent()
	c.IncErrors()
	c.IncReconnections()
	c.IncReconnections()

	if got := c.messagesReceived.Load(); got != 2 {
		t.Fatalf("messagesReceived = %d, want 2", got)
	}
	if got := c.messagesSent.Load(); got != 1 {
		t.Fatalf("messagesSent = %d, want 1", got)
	}
	if got := c.errors.Load(); got != 1 {
		t.Fatalf("errors = %d, want 1", got)
	}
	if got := c.reconnections.Load(); got != 2 {
		t.Fatalf("reconnections = %d, want 2", got)
	}
}

func TestLogSummary_DoesNotPanic(t *testing.T) {
	c := New()
	c.IncMessagesReceived()
	c.LogSummary(true)
	c.LogSummary(false)
}
