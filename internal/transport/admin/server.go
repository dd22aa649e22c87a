// Package admin serves the local admin HTTP surface: state, manual save,
// profile switching, the profile index and a websocket stream of
// persistence events. Everything except /healthz is loopback-only.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"keepsake.gg/internal/persistence/filestore"
	"keepsake.gg/internal/persistence/gamedata"
	"keepsake.gg/internal/persistence/indexdb"
	"keepsake.gg/internal/persistence/manager"
)

type Coordinator interface {
	SelectedProfileID() string
	HasGameData() bool
	Current() *gamedata.GameData
	SaveGame() error
	ChangeSelectedProfileID(id string) (manager.LoadResult, error)
	DeleteProfile(id string) error
	Profiles() (map[string]*gamedata.GameData, error)
}

type ProfileIndex interface {
	Profiles(ctx context.Context) ([]indexdb.ProfileRow, error)
	Stats() indexdb.Stats
}

type Server struct {
	mgr   Coordinator
	index ProfileIndex
	log   *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[uint64]*subscriber
}

type subscriber struct {
	out     chan []byte
	profile atomic.Value // string filter; empty means all
	dropped atomic.Uint64
}

// NewServer builds the admin server. index may be nil.
func NewServer(mgr Coordinator, index ProfileIndex, logger *log.Logger) *Server {
	return &Server{
		mgr:   mgr,
		index: index,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		subs: map[uint64]*subscriber{},
	}
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/v1/state", s.loopbackOnly(s.handleState))
	mux.HandleFunc("/admin/v1/save", s.loopbackOnly(s.handleSave))
	mux.HandleFunc("/admin/v1/profile", s.loopbackOnly(s.handleProfile))
	mux.HandleFunc("/admin/v1/profiles", s.loopbackOnly(s.handleProfiles))
	mux.HandleFunc("/admin/v1/events", s.loopbackOnly(s.EventsHandler()))
}

type StateResponse struct {
	Profile     string             `json:"profile"`
	HasGameData bool               `json:"has_game_data"`
	Data        *gamedata.GameData `json:"data,omitempty"`
	Subscribers int                `json:"subscribers"`
	Index       *indexdb.Stats     `json:"index,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := StateResponse{
		Profile:     s.mgr.SelectedProfileID(),
		HasGameData: s.mgr.HasGameData(),
		Data:        s.mgr.Current(),
	}
	s.mu.Lock()
	resp.Subscribers = len(s.subs)
	s.mu.Unlock()
	if s.index != nil {
		st := s.index.Stats()
		resp.Index = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.mgr.SaveGame(); err != nil {
		writeError(w, err)
		return
	}
	d := s.mgr.Current()
	resp := map[string]any{"ok": true, "profile": s.mgr.SelectedProfileID()}
	if d != nil {
		resp["save_id"] = d.SaveID
		resp["last_updated"] = d.LastUpdated
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProfile switches (POST) or deletes (DELETE) the profile named by ?id=.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	switch r.Method {
	case http.MethodPost:
		res, err := s.mgr.ChangeSelectedProfileID(id)
		if err != nil && !errors.Is(err, manager.ErrNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":          true,
			"profile":     res.Profile,
			"not_found":   res.NotFound,
			"recovered":   res.Recovered,
			"initialized": res.Initialized,
		})
	case http.MethodDelete:
		if id == "" {
			writeError(w, fmt.Errorf("%w: empty", filestore.ErrInvalidProfile))
			return
		}
		if err := s.mgr.DeleteProfile(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": s.mgr.SelectedProfileID()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type profileSummary struct {
	Profile     string `json:"profile"`
	SaveID      string `json:"save_id"`
	LastUpdated int64  `json:"last_updated"`
	Health      int    `json:"health"`
	Collected   int    `json:"collected"`
}

// handleProfiles answers from the index when one is configured, otherwise by
// loading every save from disk.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.index != nil {
		rows, err := s.index.Profiles(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if rows == nil {
			rows = []indexdb.ProfileRow{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": "index", "profiles": rows})
		return
	}
	all, err := s.mgr.Profiles()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]profileSummary, 0, len(all))
	for id, d := range all {
		out = append(out, profileSummary{
			Profile:     id,
			SaveID:      d.SaveID,
			LastUpdated: d.LastUpdated,
			Health:      d.Health,
			Collected:   d.CollectedCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	writeJSON(w, http.StatusOK, map[string]any{"source": "disk", "profiles": out})
}

// SubscribeMsg optionally narrows the event stream to one profile.
type SubscribeMsg struct {
	Type    string `json:"type"`
	Profile string `json:"profile"`
}

// OnEvent implements manager.Observer. Slow subscribers lose events rather
// than block the manager.
func (s *Server) OnEvent(ev manager.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if p, _ := sub.profile.Load().(string); p != "" && p != ev.Profile {
			continue
		}
		select {
		case sub.out <- b:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (s *Server) subscribe() (uint64, *subscriber) {
	sub := &subscriber{out: make(chan []byte, 256)}
	sub.profile.Store("")
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()
	return id, sub
}

func (s *Server) unsubscribe(id uint64) {
	s.mu.Lock()
	sub := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if sub != nil && sub.dropped.Load() > 0 && s.log != nil {
		s.log.Printf("admin: events subscriber %d dropped %d events", id, sub.dropped.Load())
	}
}

func (s *Server) EventsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// Registered before the upgrade so nothing emitted after the
		// handshake completes is missed.
		id, sub := s.subscribe()
		defer s.unsubscribe(id)

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var m SubscribeMsg
			if err := json.Unmarshal(msg, &m); err != nil || m.Type != "SUBSCRIBE" {
				continue
			}
			sub.profile.Store(strings.TrimSpace(m.Profile))
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ce *manager.ContributorError
	switch {
	case errors.Is(err, filestore.ErrInvalidProfile):
		status = http.StatusBadRequest
	case errors.Is(err, manager.ErrNoGameData):
		status = http.StatusConflict
	case errors.As(err, &ce):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
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
