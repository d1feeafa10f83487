package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"sentinel/internal/domain"
)

const (
	streamBuffer   = 256
	streamBacklog  = 50
	streamWriteTTL = 5 * time.Second
)

// handleStream upgrades to a websocket and forwards order transitions from
// the live feed, starting with the most recent backlog. Transitions that a
// slow client cannot absorb are dropped by the feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	backlog := streamBacklog
	if v := r.URL.Query().Get("backlog"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			backlog = n
		}
	}

	id, ch := s.deps.Model.Subscribe(streamBuffer)
	defer s.deps.Model.Unsubscribe(id)

	// The client sends nothing; CloseRead handles control frames and ends
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.log.Debug("stream client connected", "subscriber", id)

	if backlog > 0 {
		for _, tr := range s.deps.Model.Recent(backlog) {
			if err := writeTransition(ctx, conn, tr); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case tr, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			if err := writeTransition(ctx, conn, tr); err != nil {
				s.log.Debug("stream write failed", "subscriber", id, "error", err)
				return
			}
		}
	}
}

func writeTransition(ctx context.Context, conn *websocket.Conn, tr domain.OrderTransition) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTTL)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
