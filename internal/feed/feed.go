// Package feed publishes sweeps as JSON over websocket at /ws.
package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-obd-poller/internal/hub"
	"github.com/kstaniek/go-obd-poller/internal/logging"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/obd"
	"github.com/kstaniek/go-obd-poller/internal/poller"
)

const writeWait = 2 * time.Second

// Message is the JSON document sent once per sweep.
type Message struct {
	Stamp      int64         `json:"stamp"` // Unix ms of sweep start
	Seq        uint64        `json:"seq"`
	DurationMs int64         `json:"duration_ms"`
	Readings   []obd.Reading `json:"readings"`
}

// Encode renders a sweep as a feed message.
func Encode(s poller.Sweep) ([]byte, error) {
	return json.Marshal(Message{
		Stamp:      s.Start.UnixMilli(),
		Seq:        s.Seq,
		DurationMs: s.Duration.Milliseconds(),
		Readings:   s.Readings,
	})
}

// Server accepts websocket subscribers and implements poller.Reporter.
type Server struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader

	mu   sync.Mutex
	last []byte
}

// New creates a feed over h. New clients get the latest sweep immediately.
func New(h *hub.Hub) *Server {
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Report broadcasts a sweep to all subscribers.
func (s *Server) Report(sw poller.Sweep) {
	msg, err := Encode(sw)
	if err != nil {
		logging.L().Warn("feed_encode_error", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = msg
	s.hub.Broadcast(msg)
}

// subscribe replays the latest sweep to c and registers it. Holding mu across
// both keeps Report from landing in between, so c sees every later sweep
// exactly once.
func (s *Server) subscribe(c *hub.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil {
		c.Out <- s.last
	}
	s.hub.Add(c)
}

// Handler returns the mux serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start serves the feed on addr in the background.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		logging.L().Info("feed_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("feed_http_error", "error", err)
		}
	}()
	return srv
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Warn("feed_upgrade_error", "error", err)
		return
	}
	l := logging.L().With("remote", conn.RemoteAddr().String())
	c := hub.NewClient(s.hub.OutBufSize)
	s.subscribe(c)
	l.Info("feed_client_connected", "clients", s.hub.Count())

	// Reader: discard input, detect close.
	go func() {
		defer c.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.hub.Remove(c)
			_ = conn.Close()
			l.Info("feed_client_disconnected", "clients", s.hub.Count())
		}()
		for {
			select {
			case <-c.Closed:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			case msg := <-c.Out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					metrics.IncError(metrics.ErrFeedWrite)
					l.Debug("feed_write_error", "error", err)
					return
				}
			}
		}
	}()
}
