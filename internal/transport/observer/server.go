// Package observer is the monitor's output surface: a JSON status endpoint,
// an operator reset endpoint, and a websocket feed pushing attribution
// records and diagnostic events to dashboards.
package observer

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"canvaswatch.app/internal/attribution"
	"canvaswatch.app/internal/canvas"
	"canvaswatch.app/internal/eventlog"
	"canvaswatch.app/internal/scheduler"
)

type Server struct {
	sched  *scheduler.Scheduler
	agg    *attribution.Aggregator
	store  *canvas.Store
	events *eventlog.Ring
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(sched *scheduler.Scheduler, agg *attribution.Aggregator, store *canvas.Store,
	events *eventlog.Ring, logger *log.Logger) *Server {
	return &Server{
		sched:  sched,
		agg:    agg,
		store:  store,
		events: events,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Mount registers all handlers on a mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/v1/status", s.statusHandler())
	mux.HandleFunc("/v1/leaderboard/reset", s.resetHandler())
	mux.HandleFunc("/v1/feed", s.feedHandler())
}

type statusResponse struct {
	State       scheduler.State              `json:"state"`
	Cycles      uint64                       `json:"cycles"`
	Tiles       int                          `json:"tiles"`
	Leaderboard []attribution.LeaderEntry    `json:"leaderboard"`
	Activity    []attribution.ActivityRecord `json:"activity"`
	Events      []eventlog.Event             `json:"events"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := statusResponse{
			State:       s.sched.State(),
			Cycles:      s.sched.Cycles(),
			Tiles:       s.store.TileCount(),
			Leaderboard: s.agg.Top(25),
			Activity:    s.agg.RecentActivity(50),
			Events:      s.events.Recent(50),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) resetHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		s.agg.ResetLeaderboard()
		rw.WriteHeader(http.StatusNoContent)
	}
}

// Feed messages.
type feedHello struct {
	Type        string                    `json:"type"`
	Leaderboard []attribution.LeaderEntry `json:"leaderboard"`
}

type feedActivity struct {
	Type   string                     `json:"type"`
	Record attribution.ActivityRecord `json:"record"`
}

type feedEvent struct {
	Type  string         `json:"type"`
	Event eventlog.Event `json:"event"`
}

func (s *Server) feedHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			if s.log != nil {
				s.log.Printf("feed upgrade: %v", err)
			}
			return
		}
		defer conn.Close()

		write := func(v any) error {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteJSON(v)
		}

		records, cancelRecords := s.agg.Subscribe()
		defer cancelRecords()
		events, cancelEvents := s.events.Subscribe()
		defer cancelEvents()

		if err := write(feedHello{Type: "HELLO", Leaderboard: s.agg.Top(25)}); err != nil {
			return
		}

		// Reader goroutine: we never expect client messages, but reading is
		// what notices a dropped connection.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case rec := <-records:
				if err := write(feedActivity{Type: "ACTIVITY", Record: rec}); err != nil {
					return
				}
			case ev := <-events:
				if err := write(feedEvent{Type: "EVENT", Event: ev}); err != nil {
					return
				}
			}
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
