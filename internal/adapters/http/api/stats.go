package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/pkg/logger"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	// The feed serves a UI on the operator's LAN.
	CheckOrigin: func(*http.Request) bool { return true },
}

type deadLettersResponse struct {
	Count   int                `json:"count"`
	Entries []model.QueueEntry `json:"entries"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot(r.Context()))
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	dead := s.session.DeadLetters()
	if dead == nil {
		dead = []model.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{Count: len(dead), Entries: dead})
}

// handleStatsFeed pushes a snapshot right away and then every statsInterval
// until the client goes away.
func (s *Server) handleStatsFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug(ctx, "stats feed closed", logger.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.session.Snapshot(ctx)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
