// Package admin is kanyo's lightweight administrative HTTP service
// (spec.md §1, §4.10): a read-mostly consumer of the files the core
// produces — status, recent clips, and a read-only config view. No
// container control and no config hot-reload (spec.md Non-goals).
package admin

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/behavior"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/config"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/eventstore"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
)

// StatusProvider is the slice of Monitor the admin server depends on. Kept
// narrow and read-only deliberately — the admin surface never reaches back
// into the detection loop (spec.md §9 one-way-ownership design note applies
// here too: admin depends downward on the monitor, never the reverse).
type StatusProvider interface {
	State() behavior.State
	VisitStart() time.Time
}

const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	maxHeaderBytes    = 1 << 16
)

// Server is the admin HTTP surface for one stream.
type Server struct {
	cfg     *config.Config
	status  StatusProvider
	events  *eventstore.Store
	log     *logging.Logger
	auth    *authMiddleware
	httpSrv *http.Server
	storage *diskUsage
}

// New builds a Server; call Start to begin listening.
func New(cfg *config.Config, status StatusProvider, events *eventstore.Store, log *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		status:  status,
		events:  events,
		log:     log,
		auth:    newAuthMiddleware(cfg.AdminAuthToken),
		storage: newDiskUsage(cfg.ClipsDirPath()),
	}
}

// Start blocks serving HTTP on cfg.AdminListenAddr.
func (s *Server) Start() error {
	r := mux.NewRouter()
	// Dot-dot paths reach the routes as written instead of being answered
	// with a cleaning redirect, so handleClip's traversal check sees them.
	r.SkipClean(true)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/visits", s.handleVisits).Methods(http.MethodGet)
	api.HandleFunc("/clips/{date}/{name}", s.handleClip).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	api.Use(s.auth.Check)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.AdminListenAddr,
		Handler:           r,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully closes the HTTP server.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	State       string    `json:"state"`
	VisitStart  time.Time `json:"visit_start,omitempty"`
	UsedBytes   int64     `json:"used_bytes"`
	StreamID    string    `json:"stream_id"`
	ServerTime  time.Time `json:"server_time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	used, err := s.storage.used()
	if err != nil {
		s.log.Warning("failed to compute clips directory usage")
	}
	resp := statusResponse{
		State:      string(s.status.State()),
		VisitStart: s.status.VisitStart(),
		UsedBytes:  used,
		StreamID:   s.cfg.StreamID,
		ServerTime: time.Now().UTC(),
	}
	writeJSON(w, resp)
}

func (s *Server) handleVisits(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().In(s.cfg.Location).Format("2006-01-02")
	}
	writeJSON(w, s.events.Load(date))
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	date, name := vars["date"], vars["name"]
	if strings.Contains(date, "..") || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	path := filepath.Join(s.cfg.ClipsDirPath(), date, name)
	clipsDir := s.cfg.ClipsDirPath()
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, mustAbs(clipsDir)) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	redacted := *s.cfg
	redacted.AdminAuthToken = ""
	writeJSON(w, redacted)
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// diskUsage reports bytes used under a clips directory, cached for 5s the
// way the teacher's StorageManager.GetStorageStats caches — adapted here to
// be read-only: the admin surface reports usage, it never deletes anything
// (spec.md names no storage-cap feature; eviction stays the operator's
// job).
type diskUsage struct {
	mu        sync.Mutex
	dir       string
	lastUsed  int64
	lastCheck time.Time
}

func newDiskUsage(dir string) *diskUsage {
	return &diskUsage{dir: dir}
}

func (d *diskUsage) used() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.lastCheck) < 5*time.Second && d.lastUsed > 0 {
		return d.lastUsed, nil
	}
	var total int64
	err := filepath.Walk(d.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort scan; skip unreadable entries
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	d.lastUsed = total
	d.lastCheck = time.Now()
	return total, err
}
