// Package admin implements the JSON-over-HTTP administrative surface of
// §6: list-servers, alter-server (rank), set/clear server <flag>,
// list/alter/destroy service, list/create/destroy filter, and stop/start
// monitor. Every mutating verb also posts an admin task to every worker.
// There is no endpoint for creating a service or altering a filter.
//
// The gorilla/mux routing, JSON helpers, and REST resource shape are
// grounded on the teacher pack's internal/api.Server; the task-broadcast
// translation is specific to this proxy's per-worker pool ownership
// (internal/worker.Pool.Broadcast) since a pool.Manager, unlike the
// router and monitor, is not a single shared structure every worker
// already reads lock-free.
package admin

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dbproxy/mxcore/internal/filter"
	"github.com/dbproxy/mxcore/internal/monitor"
	"github.com/dbproxy/mxcore/internal/router"
	"github.com/dbproxy/mxcore/internal/worker"
)

// ServiceHandle is one configured service: its name and the router that
// serves it.
type ServiceHandle struct {
	Name   string
	Router *router.Router
}

// Server is the admin HTTP server.
type Server struct {
	mu       sync.RWMutex
	services map[string]*ServiceHandle
	monitor  *monitor.Monitor
	pool     *worker.Pool
	filters  *filter.Chain

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates an admin Server wired to the shared monitor, worker
// pool, and filter chain. Services are registered after construction via
// RegisterService (the listener/service wiring done in cmd/mxcore).
func NewServer(mon *monitor.Monitor, pool *worker.Pool, filters *filter.Chain) *Server {
	return &Server{
		services:  make(map[string]*ServiceHandle),
		monitor:   mon,
		pool:      pool,
		filters:   filters,
		startTime: time.Now(),
	}
}

// RegisterService exposes svc under the admin surface's service CRUD
// endpoints.
func (s *Server) RegisterService(svc *ServiceHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.Name] = svc
}

// routes builds the admin surface's mux.Router, split out from Start so
// tests can exercise handlers via httptest without binding a port.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/servers", s.listServers).Methods(http.MethodGet)
	r.HandleFunc("/servers/{name}/alter", s.alterServer).Methods(http.MethodPost)
	r.HandleFunc("/servers/{name}/flags", s.setServerFlag).Methods(http.MethodPost)

	r.HandleFunc("/services", s.listServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}", s.alterService).Methods(http.MethodPut)
	r.HandleFunc("/services/{name}", s.destroyService).Methods(http.MethodDelete)

	r.HandleFunc("/filters", s.listFilters).Methods(http.MethodGet)
	r.HandleFunc("/filters", s.createFilter).Methods(http.MethodPost)
	r.HandleFunc("/filters/{name}", s.destroyFilter).Methods(http.MethodDelete)

	r.HandleFunc("/monitor/stop", s.stopMonitor).Methods(http.MethodPost)
	r.HandleFunc("/monitor/start", s.startMonitor).Methods(http.MethodPost)

	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	return r
}

// Start begins serving the admin HTTP API on addr.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[admin] listening on %s", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()
	return nil
}

// Stop closes the admin HTTP server at once; in-flight requests are not
// waited for.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// broadcast posts an audit/serialization task for verb to every worker,
// the mechanism every mutating admin verb goes through (§6). Most of the
// state these verbs touch (router, monitor) is already a shared,
// lock-free-read structure every worker sees the instant it's swapped;
// broadcasting still serializes the change against each worker's other
// in-flight tasks and gives every worker a log line to correlate against
// the admin request.
func (s *Server) broadcast(verb, detail string) {
	id := uuid.NewString()
	s.pool.Broadcast(func(w *worker.Worker) {
		log.Printf("[admin %s] worker %d observed %s: %s", id, w.ID, verb, detail)
	})
}

// --- servers ---

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Snapshot()
	writeJSON(w, http.StatusOK, snap.Servers)
}

type alterServerRequest struct {
	Rank int `json:"rank"`
}

func (s *Server) alterServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req alterServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.monitor.SetRank(name, req.Rank)
	s.broadcast("alter-server", fmt.Sprintf("%s rank=%d", name, req.Rank))
	writeJSON(w, http.StatusOK, map[string]string{"status": "altered", "server": name})
}

type setServerFlagRequest struct {
	Flag string `json:"flag"` // "maintenance" | "draining"
	On   bool   `json:"on"`
}

func (s *Server) setServerFlag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req setServerFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch req.Flag {
	case "maintenance":
		s.monitor.SetMaintenance(name, req.On)
	case "draining":
		s.monitor.SetDraining(name, req.On)
	default:
		writeError(w, http.StatusBadRequest, "flag must be maintenance or draining")
		return
	}

	if req.On {
		s.pool.Broadcast(func(w *worker.Worker) {
			dropped := w.Pool.DrainServer(name)
			if dropped > 0 {
				log.Printf("[admin] worker %d drained %d idle connections to %s", w.ID, dropped, name)
			}
		})
	} else {
		s.broadcast("clear-server-flag", name+" "+req.Flag)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "server": name, "flag": req.Flag, "on": req.On})
}

// --- services ---

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for n := range s.services {
		names = append(names, n)
	}
	writeJSON(w, http.StatusOK, names)
}

type alterServiceRequest struct {
	FailureMode     string `json:"failure_mode"`
	SelectionPolicy string `json:"selection_policy"`
}

func (s *Server) alterService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.RLock()
	svc, ok := s.services[name]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}

	var req alterServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if mode, ok := parseFailureMode(req.FailureMode); ok {
		svc.Router.SetFailureMode(mode)
	}
	if policy, ok := parseSelectionPolicy(req.SelectionPolicy); ok {
		svc.Router.SetSelectionPolicy(policy)
	}

	s.broadcast("alter-service", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "altered", "service": name})
}

func (s *Server) destroyService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	_, ok := s.services[name]
	delete(s.services, name)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	s.broadcast("destroy-service", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "service": name})
}

func parseFailureMode(s string) (router.FailureMode, bool) {
	switch s {
	case "fail_instantly":
		return router.FailInstantly, true
	case "error_on_write":
		return router.ErrorOnWrite, true
	case "fail_on_write":
		return router.FailOnWrite, true
	default:
		return 0, false
	}
}

func parseSelectionPolicy(s string) (router.SelectionPolicy, bool) {
	switch s {
	case "round_robin":
		return router.RoundRobin, true
	case "least_connections":
		return router.LeastConnections, true
	case "lowest_lag":
		return router.LowestLag, true
	default:
		return 0, false
	}
}

// --- filters ---

func (s *Server) listFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.filters.List())
}

type createFilterRequest struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // only "maxrows" is implemented
	Limit int    `json:"limit"`
}

func (s *Server) createFilter(w http.ResponseWriter, r *http.Request) {
	var req createFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch req.Type {
	case "maxrows":
		s.filters.Put(&filter.MaxRows{FilterName: req.Name, Limit: req.Limit})
	default:
		writeError(w, http.StatusBadRequest, "unsupported filter type "+req.Type)
		return
	}
	s.broadcast("create-filter", req.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "filter": req.Name})
}

func (s *Server) destroyFilter(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.filters.Remove(name) {
		writeError(w, http.StatusNotFound, "filter not found")
		return
	}
	s.broadcast("destroy-filter", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "filter": name})
}

// --- monitor ---

func (s *Server) stopMonitor(w http.ResponseWriter, r *http.Request) {
	s.monitor.Stop()
	s.broadcast("stop-monitor", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) startMonitor(w http.ResponseWriter, r *http.Request) {
	s.monitor.Start()
	s.broadcast("start-monitor", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// --- status ---

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
		"monitor_stopped": s.monitor.Stopped(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[admin] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
