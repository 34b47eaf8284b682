package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds one WebSocket write to a subscriber.
const writeTimeout = 2 * time.Second

// clientBuffer is the per-subscriber message backlog. A client that falls
// further behind than this loses messages rather than delaying the fanout.
const clientBuffer = 64

// broadcast polls the bus on the configured cadence and fans events out to
// every connected subscriber.
func (s *Server) broadcast(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportDepth(ctx)
			for _, ev := range s.bus.Poll(s.cfg.MaxUpdatesPerTick) {
				data, err := json.Marshal(ev)
				if err != nil {
					s.log.Warn("event marshal failed", "kind", ev.Kind, "error", err)
					continue
				}
				s.fanout(data)
			}
		}
	}
}

// reportDepth folds the current bus occupancy into the queue depth gauge.
func (s *Server) reportDepth(ctx context.Context) {
	depth := int64(s.bus.Len())
	s.mu.Lock()
	delta := depth - s.lastDepth
	s.lastDepth = depth
	s.mu.Unlock()
	if delta != 0 {
		s.metrics.QueueDepth.Add(ctx, delta)
	}
}

// fanout delivers one encoded event to every subscriber, skipping those whose
// buffers are full.
func (s *Server) fanout(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.ch <- data:
		default:
			s.log.Debug("subscriber lagging, message skipped")
		}
	}
}

// handleSubtitles upgrades the request to a WebSocket and streams subtitle
// events until the client disconnects.
func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("subtitle subscribe failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "server closing")

	ctx := r.Context()
	c := &client{ch: make(chan []byte, clientBuffer)}
	s.addClient(ctx, c)
	defer s.removeClient(c)

	s.log.Debug("subtitle client connected", "remote", r.RemoteAddr)

	// Reads are only needed to notice the close handshake.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case data := <-c.ch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.log.Debug("subtitle client write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(ctx context.Context, c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.SubtitleClients.Add(ctx, 1)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.metrics.SubtitleClients.Add(context.Background(), -1)
}
