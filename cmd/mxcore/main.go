// Command mxcore is the proxy's entry point: it loads the INI
// configuration, wires the monitor/router/pool/worker stack for each
// configured service, starts a metrics endpoint and the administrative
// HTTP surface, and accepts client connections until told to shut down.
//
// The flag-driven bootstrap, metrics-server goroutine, and
// signal-triggered shutdown are grounded on the teacher's cmd/tqdbproxy
// main.go.
package main

import (
	"context"
	"crypto/sha1" //nolint:gosec // mysql_native_password stage-2 hash, not our choice of primitive
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dbproxy/mxcore/internal/admin"
	"github.com/dbproxy/mxcore/internal/authtrait"
	"github.com/dbproxy/mxcore/internal/backendconn"
	"github.com/dbproxy/mxcore/internal/config"
	"github.com/dbproxy/mxcore/internal/filter"
	"github.com/dbproxy/mxcore/internal/history"
	"github.com/dbproxy/mxcore/internal/metrics"
	"github.com/dbproxy/mxcore/internal/monitor"
	"github.com/dbproxy/mxcore/internal/pool"
	"github.com/dbproxy/mxcore/internal/router"
	"github.com/dbproxy/mxcore/internal/session"
	"github.com/dbproxy/mxcore/internal/worker"
)

func main() {
	configPath := flag.String("config", "mxcore.ini", "path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "metrics endpoint address")
	workerCount := flag.Int("workers", 4, "number of worker event loops")
	historyLimit := flag.Int("history-limit", 64, "max retained session-command history entries")
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		log.Fatalf("[mxcore] loading config: %v", err)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	metrics.Init()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Printf("[mxcore] metrics listening on %s", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Printf("[mxcore] metrics server error: %v", err)
		}
	}()

	mon := newMonitor(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx, monitorInterval(cfg))

	services := buildServices(cfg, mon)
	if len(services) == 0 {
		log.Fatalf("[mxcore] no [service.*] sections configured")
	}

	filters := filter.NewChain()
	hist := history.New(*historyLimit)

	backendCreds := backendCredentials(cfg)
	wp := worker.NewPool(*workerCount, func(id int) *pool.Manager {
		return pool.NewManager(8, dialerFor(cfg, backendCreds))
	}, 256)
	go wp.Run(ctx)

	adminSrv := admin.NewServer(mon, wp, filters)
	for name, svc := range services {
		adminSrv.RegisterService(&admin.ServiceHandle{Name: name, Router: svc.router})
	}
	if err := adminSrv.Start(cfg.Admin.Address); err != nil {
		log.Fatalf("[mxcore] starting admin server: %v", err)
	}
	defer adminSrv.Stop()

	var connID uint32
	for _, lc := range cfg.Listeners {
		svc, ok := services[lc.Service]
		if !ok {
			log.Printf("[mxcore] listener %s references unknown service %s, skipping", lc.Name, lc.Service)
			continue
		}
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			log.Fatalf("[mxcore] listening on %s: %v", lc.Address, err)
		}
		log.Printf("[mxcore] listener %s accepting on %s -> service %s", lc.Name, lc.Address, lc.Service)
		go acceptLoop(ctx, ln, svc, wp, hist, filters, &connID)
	}

	log.Println("[mxcore] ready. press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[mxcore] shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := wp.Shutdown(shutdownCtx); err != nil {
		log.Printf("[mxcore] shutdown: %v", err)
	}
}

type serviceRuntime struct {
	router *router.Router
	store  *staticCredentialStore
}

// buildServices wires one router per configured service, seeded with the
// shared monitor snapshot. The snapshot is not narrowed to the service's
// own servers list: every router sees every monitored server.
func buildServices(cfg *config.Config, mon *monitor.Monitor) map[string]*serviceRuntime {
	out := make(map[string]*serviceRuntime, len(cfg.Services))
	for name, svc := range cfg.Services {
		mode, ok := parseFailureMode(svc.FailureMode)
		if !ok {
			mode = router.FailInstantly
		}
		policy, ok := parseSelectionPolicy(svc.SelectionPolicy)
		if !ok {
			policy = router.RoundRobin
		}
		r := router.New(mon.Snapshot(), mode, policy, nil)
		go keepRouterSynced(r, mon)

		out[name] = &serviceRuntime{
			router: r,
			store:  newStaticCredentialStore(svc.User, svc.Password, ""),
		}
	}
	return out
}

// keepRouterSynced republishes the monitor's snapshot into r whenever the
// monitor's version advances — the single place that bridges the
// monitor's atomic.Pointer[Snapshot] and the router's own atomic snapshot.
func keepRouterSynced(r *router.Router, mon *monitor.Monitor) {
	var lastVersion uint64
	for {
		snap := mon.Snapshot()
		if snap.Version != lastVersion {
			r.UpdateSnapshot(snap)
			lastVersion = snap.Version
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// monitorInterval collapses every [monitor.*] section's interval_seconds
// into one period for the single shared Monitor this proxy runs (one
// Monitor instance probes the union of every configured server, whatever
// monitor section it was declared under).
func monitorInterval(cfg *config.Config) time.Duration {
	for _, mcfg := range cfg.Monitors {
		return time.Duration(mcfg.IntervalSeconds) * time.Second
	}
	return 2 * time.Second
}

func newMonitor(cfg *config.Config) *monitor.Monitor {
	seen := make(map[string]bool)
	var servers []monitor.Server
	for _, mcfg := range cfg.Monitors {
		for _, name := range mcfg.Servers {
			if seen[name] {
				continue
			}
			seen[name] = true
			sc, ok := cfg.Servers[name]
			if !ok {
				continue
			}
			servers = append(servers, monitor.Server{Name: sc.Name, Address: sc.Address, Rank: sc.Rank, IsSlave: sc.IsSlave})
		}
	}
	if len(servers) == 0 {
		for _, sc := range cfg.Servers {
			servers = append(servers, monitor.Server{Name: sc.Name, Address: sc.Address, Rank: sc.Rank, IsSlave: sc.IsSlave})
		}
	}
	return monitor.New(servers, monitor.DialProber)
}

// backendCredentials maps a server name to the service account the proxy
// itself authenticates with when dialing it — distinct from the client's
// own credentials, which only govern the client-to-proxy handshake.
func backendCredentials(cfg *config.Config) map[string]backendconn.Credentials {
	out := make(map[string]backendconn.Credentials)
	for _, svc := range cfg.Services {
		for _, serverName := range svc.Servers {
			out[serverName] = backendconn.Credentials{User: svc.User, Password: svc.Password}
		}
	}
	return out
}

// dialerFor builds the pool.DialFunc every worker's pool.Manager uses to
// create a fresh authenticated backend connection, looking up the target
// server's address from cfg and its proxy-side service credentials from
// creds at dial time.
func dialerFor(cfg *config.Config, creds map[string]backendconn.Credentials) pool.DialFunc {
	return func(ctx context.Context, serverName string, fp pool.Fingerprint) (pool.Conn, error) {
		sc, ok := cfg.Servers[serverName]
		if !ok {
			return nil, fmt.Errorf("dialerFor: unknown server %s", serverName)
		}
		c, ok := creds[serverName]
		if !ok {
			return nil, fmt.Errorf("dialerFor: no service credentials configured for server %s", serverName)
		}
		c.Database = fp.Database
		c.Capabilities = fp.Capabilities
		return backendconn.Dial(ctx, serverName, sc.Address, c, authtrait.NativePassword{})
	}
}

// acceptLoop dispatches newly accepted connections round-robin across the
// worker pool, the way §4.8 describes listener fan-out.
func acceptLoop(ctx context.Context, ln net.Listener, svc *serviceRuntime, wp *worker.Pool, hist *history.History, filters *filter.Chain, connID *uint32) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[mxcore] accept error: %v", err)
				continue
			}
		}

		id := atomic.AddUint32(connID, 1)
		w := wp.Next()
		sess := session.New(nc, id, svc.store, svc.router, w.Pool, hist, filters)
		w.AdoptSession(sess.Run)
	}
}

// staticCredentialStore authenticates every client against one
// configured service account, the simplest of §6's "user, password"
// service configuration — a real deployment would back this with a
// pluggable per-user store, left as a later extension point.
type staticCredentialStore struct {
	user     string
	stage2   []byte
	database string
}

func newStaticCredentialStore(user, password, database string) *staticCredentialStore {
	stage1 := sha1.Sum([]byte(password)) //nolint:gosec
	stage2 := sha1.Sum(stage1[:])        //nolint:gosec
	return &staticCredentialStore{user: user, stage2: stage2[:], database: database}
}

func (s *staticCredentialStore) Lookup(user string) ([]byte, string, bool) {
	if user != s.user {
		return nil, "", false
	}
	return s.stage2, s.database, true
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
