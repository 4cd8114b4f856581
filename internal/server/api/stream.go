package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"mediagate/internal/server/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleEventStream handles GET /api/v1/events/stream?user_id=U&since=N.
// Upgrades to a websocket that first replays buffered events after since and
// then pushes the user's job milestones as they happen.
func (h *Handler) HandleEventStream(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}
	since, _ := strconv.ParseInt(c.QueryParam("since"), 10, 64)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("websocket upgrade failed", "user_id", user, "error", err)
		return nil
	}
	defer conn.Close()

	backlog, live, cancel := h.svc.Subscribe(user, since)
	defer cancel()

	// The reader only exists to notice the client going away and to
	// process pongs.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, e := range backlog {
		if err := writeEvent(conn, e); err != nil {
			return nil
		}
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-live:
			if !ok {
				return nil
			}
			if err := writeEvent(conn, e); err != nil {
				slog.Debug("event stream write failed", "user_id", user, "error", err)
				return nil
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(e)
}
