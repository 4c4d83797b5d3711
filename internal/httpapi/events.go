package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/operatorsync/internal/kvstore"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// changeEvent is one frame on the /v1/events stream. The first frame on
// every connection has type "ready".
type changeEvent struct {
	Type        string    `json:"type"`
	Collection  string    `json:"collection,omitempty"`
	Key         string    `json:"key,omitempty"`
	Origin      string    `json:"origin,omitempty"`
	CommittedAt time.Time `json:"committedAt,omitempty"`
}

// subscribe fans committed changes from every collection into fn.
func (s *Server) subscribe(fn func(changeEvent)) func() {
	forward := func(collection string) func(kvstore.Change) {
		return func(change kvstore.Change) {
			fn(changeEvent{
				Type:        "change",
				Collection:  collection,
				Key:         change.Key,
				Origin:      change.Origin,
				CommittedAt: change.CommittedAt,
			})
		}
	}
	cancels := []func(){
		s.corrections.Collection().Subscribe(forward("corrections")),
		s.workups.Subscribe(forward("workups")),
		s.settings.Collection().Subscribe(forward("settings")),
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// handleEvents streams change notifications. Slow readers drop events
// rather than stall writers; clients refetch on any change anyway.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originHosts(),
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := conn.CloseRead(r.Context())
	events := make(chan changeEvent, eventBuffer)
	unsubscribe := s.subscribe(func(ev changeEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	if err := s.writeEvent(ctx, conn, changeEvent{Type: "ready"}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev changeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
