package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleSSE streams run progress as server-sent events. Last-Event-ID (or the
// since query parameter) resumes from a sequence number: the in-memory ring
// serves recent history and the database covers anything older.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	runID := handle.ID.String()
	since := sinceSeq(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replaying so no event falls between the two; the seq
	// filter below drops the overlap.
	ch := s.bus.Subscribe(runID, 128)
	defer s.bus.Unsubscribe(runID, ch)

	lastSeq := since
	for _, evt := range s.replay(r, runID, since) {
		if evt.Seq <= lastSeq {
			continue
		}
		if err := writeSSE(w, evt); err != nil {
			return
		}
		lastSeq = evt.Seq
		if terminal(evt) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			// A gap means the subscriber buffer overflowed; recover the
			// missing span from the ring before the live event.
			if evt.Seq > lastSeq+1 {
				for _, missed := range s.bus.ReplaySince(runID, lastSeq) {
					if missed.Seq >= evt.Seq {
						break
					}
					if err := writeSSE(w, missed); err != nil {
						return
					}
					lastSeq = missed.Seq
				}
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			lastSeq = evt.Seq
			flusher.Flush()
			if terminal(evt) {
				return
			}
		}
	}
}

// handleWebSocket streams the same event feed over a websocket, one JSON
// event per text message. Resume works like SSE via the since parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.lookup(w, r)
	if !ok {
		return
	}
	runID := handle.ID.String()
	since := sinceSeq(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader goroutine: the client sends nothing meaningful, but reads must
	// be drained for close frames and pings to be processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch := s.bus.Subscribe(runID, 128)
	defer s.bus.Unsubscribe(runID, ch)

	send := func(evt events.Event) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, evt.Marshal())
	}

	lastSeq := since
	for _, evt := range s.replay(r, runID, since) {
		if evt.Seq <= lastSeq {
			continue
		}
		if err := send(evt); err != nil {
			return
		}
		lastSeq = evt.Seq
		if terminal(evt) {
			return
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			if evt.Seq > lastSeq+1 {
				for _, missed := range s.bus.ReplaySince(runID, lastSeq) {
					if missed.Seq >= evt.Seq {
						break
					}
					if err := send(missed); err != nil {
						return
					}
					lastSeq = missed.Seq
				}
			}
			if err := send(evt); err != nil {
				return
			}
			lastSeq = evt.Seq
			if terminal(evt) {
				return
			}
		}
	}
}

// replay assembles history after since, preferring the in-memory ring and
// falling back to persisted events when the ring has already evicted them.
func (s *Server) replay(r *http.Request, runID string, since uint64) []events.Event {
	ringEvents := s.bus.ReplaySince(runID, since)
	if len(ringEvents) > 0 && ringEvents[0].Seq == since+1 {
		return ringEvents
	}
	if s.dbc == nil {
		return ringEvents
	}
	persisted, err := s.dbc.EventHistory(r.Context(), runID, since)
	if err != nil {
		s.logger.Debug("Event history lookup failed", zap.String("run_id", runID), zap.Error(err))
		return ringEvents
	}
	if len(persisted) >= len(ringEvents) {
		return persisted
	}
	return ringEvents
}

func sinceSeq(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func terminal(evt events.Event) bool {
	return evt.Type.Terminal() && evt.Stage == "" && evt.Task == ""
}

func writeSSE(w http.ResponseWriter, evt events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, evt.Marshal())
	return err
}
