// Package messagepump implements the Proxy MessagePump (spec §4.6): per
// inbound tunnel frame, parse, resolve route, dispatch to the gateway,
// and reply — enqueueing to the OfflineQueue if the reply can't be sent
// immediately. Grounded on the original's handle_message
// (client/src/ws_client/proxy.py) for the exact parse/validate/dispatch
// order, and on the teacher's SyncUpstreamInspector
// (internal/proxy/sync_inspector.go) for the envelope
// dispatch-by-discriminator shape generalized here to operation_type
// routing instead of chat message-type routing.
package messagepump

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kioskbridge/tunnel/internal/gatewayclient"
	"github.com/kioskbridge/tunnel/internal/offlinequeue"
	"github.com/kioskbridge/tunnel/internal/routing"
	"github.com/kioskbridge/tunnel/internal/wire"
)

// Metrics is the subset of metrics.ProxyMetrics the Pump reports to.
type Metrics interface {
	ObserveGatewayDispatch(outcome string, duration time.Duration)
	SetQueueSize(size float64)
}

// Stats is the subset of proxystats.Counters the Pump reports to.
type Stats interface {
	IncMessagesReceived()
	IncErrors()
}

// Sender delivers one outbound frame over the live tunnel socket. It
// returns an error if the socket is currently unusable; the Pump then
// enqueues the frame to the OfflineQueue instead.
type Sender interface {
	Send(frame []byte) error
}

// Pump wires routing, dispatch, and reply delivery together.
type Pump struct {
	Routes  *routing.Config
	Gateway *gatewayclient.Client
	Queue   *offlinequeue.Queue
	// Metrics is optional; set it after New() to report dispatch outcomes.
	Metrics Metrics
	// Stats is optional; set it after New() to feed the Proxy's hourly
	// statistics summary.
	Stats Stats
}

// New creates a Pump.
func New(routes *routing.Config, gateway *gatewayclient.Client, queue *offlinequeue.Queue) *Pump {
	return &Pump{Routes: routes, Gateway: gateway, Queue: queue}
}

// incoming mirrors the tunnel frame Server sends: an envelope of
// redacted headers and the original request body.
type incoming struct {
	RequestID string            `json:"request_id"`
	Headers   map[string]string `json:"headers"`
	Body      json.RawMessage   `json:"body"`
}

// Handle processes one inbound frame and sends the reply via sender,
// falling back to the OfflineQueue if sender reports failure (spec
// §4.6 step 5).
func (p *Pump) Handle(ctx context.Context, frame []byte, sender Sender) {
	var msg incoming
	if err := json.Unmarshal(frame, &msg); err != nil {
		slog.Error("invalid JSON from server", "error", err)
		if p.Stats != nil {
			p.Stats.IncErrors()
		}
		p.reply(wire.NewErrorResponse("", wire.ErrInvalidJSON, err.Error()), sender)
		return
	}

	if p.Stats != nil {
		p.Stats.IncMessagesReceived()
	}

	operationType := msg.Headers[wire.HeaderOperationType]
	slog.Info("received tunnel frame", "operation_type", operationType, "request_id", msg.RequestID)

	if operationType == "" {
		p.reply(wire.NewErrorResponse(msg.RequestID, wire.ErrMissingHeader, "Header-Operation-Type is required"), sender)
		return
	}

	route, ok := p.Routes.Resolve(operationType)
	if !ok {
		slog.Error("no route for operation type", "operation_type", operationType)
		if p.Stats != nil {
			p.Stats.IncErrors()
		}
		p.reply(wire.NewErrorResponse(msg.RequestID, wire.ErrRouteNotFound, "No route configured for operation type: "+operationType), sender)
		return
	}

	method := msg.Headers[wire.HeaderHTTPMethod]
	dispatchStart := time.Now()
	resp := p.Gateway.Dispatch(ctx, method, route.URL, msg.Body, route.Timeout)
	if p.Metrics != nil {
		outcome := "ok"
		if tag, ok := resp["error"]; ok {
			outcome, _ = tag.(string)
		}
		p.Metrics.ObserveGatewayDispatch(outcome, time.Since(dispatchStart))
	}
	resp = resp.WithRequestID(msg.RequestID)

	slog.Info("sending reply", "request_id", msg.RequestID, "status", resp["status"])
	p.reply(resp, sender)
}

func (p *Pump) reply(resp wire.Response, sender Sender) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed marshalling reply", "error", err)
		return
	}
	if err := sender.Send(payload); err != nil {
		slog.Warn("failed sending reply, queuing for reconnect", "error", err)
		if !p.Queue.TryEnqueue(payload) && p.Stats != nil {
			p.Stats.IncErrors()
		}
	}
	if p.Metrics != nil {
		p.Metrics.SetQueueSize(float64(p.Queue.Len()))
	}
}
