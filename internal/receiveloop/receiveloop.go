// Package receiveloop implements the Server-side ReceiveLoop (spec
// §4.3): one goroutine per accepted kiosk socket, reading text frames
// and resolving pending SendAndWait slots by request_id. Modeled on the
// teacher's forwardMessages read loop shape (internal/proxy/handler.go):
// loop, conn.Reader, decode, dispatch, continue-on-error.
package receiveloop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/kioskbridge/tunnel/internal/connmanager"
	"github.com/kioskbridge/tunnel/internal/wire"
)

// Manager is the subset of connmanager.Manager the loop needs, so tests
// can supply a fake without standing up a full ConnectionManager.
type Manager interface {
	CompleteResponse(requestID string, resp wire.Response) bool
	Disconnect(ctx context.Context, handle *connmanager.Handle)
}

// Socket is the subset of connmanager.WSSocket the loop needs.
type Socket interface {
	Reader(ctx context.Context) (websocket.MessageType, io.Reader, error)
	MarkDead()
}

// Run reads frames from socket until it errors or ctx is cancelled, then
// always calls mgr.Disconnect(handle) exactly once (spec §4.3: "finally
// call Disconnect with this socket"). It never returns an error; all
// failures are terminal for the loop and are logged.
func Run(ctx context.Context, socket Socket, kioskID string, handle *connmanager.Handle, mgr Manager) {
	defer func() {
		socket.MarkDead()
		mgr.Disconnect(ctx, handle)
	}()

	for {
		msgType, reader, err := socket.Reader(ctx)
		if err != nil {
			if isExpectedClose(err) {
				slog.Info("kiosk socket closed", "kiosk_id", kioskID)
			} else {
				slog.Warn("kiosk socket read error", "kiosk_id", kioskID, "error", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		payload, err := io.ReadAll(reader)
		if err != nil {
			slog.Warn("failed reading kiosk frame", "kiosk_id", kioskID, "error", err)
			return
		}

		var resp wire.Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			slog.Warn("invalid JSON from kiosk", "kiosk_id", kioskID, "error", err)
			continue
		}

		requestID := resp.RequestID()
		if requestID == "" {
			slog.Warn("kiosk frame without request_id", "kiosk_id", kioskID)
			continue
		}
		if !mgr.CompleteResponse(requestID, resp) {
			slog.Warn("unknown request_id from kiosk", "kiosk_id", kioskID, "request_id", requestID)
		}
	}
}

func isExpectedClose(err error) bool {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}
