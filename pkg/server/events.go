package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// streamEvents upgrades to a websocket and forwards engine events as JSON
// text frames after an initial "subscribed" frame. ?runId= restricts the stream to one run. Events are dropped
// for a client that falls eventBuffer events behind; the engine never waits
// on a slow client.
func (s *Server) streamEvents(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	runID := c.Query("runId")
	events := make(chan pipeline.Event, eventBuffer)
	subID := s.engine.Subscribe(func(ev pipeline.Event) {
		if runID != "" && ev.RunID != runID {
			return
		}
		select {
		case events <- ev:
		default:
			s.logger.Warn("event stream client is behind, dropping event", "type", ev.Type, "run_id", ev.RunID)
		}
	})
	defer s.engine.Unsubscribe(subID)
	s.logger.Info("event stream client connected", "subscription", subID, "run_id", runID)

	// The first frame confirms the subscription; every event after it is delivered.
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(gin.H{"type": "subscribed", "subscription": subID, "runId": runID}); err != nil {
		return
	}

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Info("event stream client disconnected", "subscription", subID, "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-closed:
			s.logger.Info("event stream client disconnected", "subscription", subID)
			return
		}
	}
}
