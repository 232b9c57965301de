package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dbproxy/mxcore/internal/filter"
	"github.com/dbproxy/mxcore/internal/monitor"
	"github.com/dbproxy/mxcore/internal/pool"
	"github.com/dbproxy/mxcore/internal/router"
	"github.com/dbproxy/mxcore/internal/worker"
)

func newTestServer(t *testing.T) (*Server, *router.Router) {
	t.Helper()
	mon := monitor.New([]monitor.Server{
		{Name: "primary", Address: "10.0.0.1:3306", IsSlave: false},
		{Name: "replica-a", Address: "10.0.0.2:3306", Rank: 1, IsSlave: true},
	}, func(ctx context.Context, srv monitor.Server) (bool, float64, error) {
		return true, 0, nil
	})

	r := router.New(mon.Snapshot(), router.FailInstantly, router.RoundRobin, nil)
	wp := worker.NewPool(2, func(id int) *pool.Manager {
		return pool.NewManager(1, func(ctx context.Context, serverName string, fp pool.Fingerprint) (pool.Conn, error) {
			return nil, context.Canceled
		})
	}, 4)

	s := NewServer(mon, wp, filter.NewChain())
	s.RegisterService(&ServiceHandle{Name: "shop", Router: r})
	return s, r
}

func doRequest(mr http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	return rr
}

func TestListServers(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodGet, "/servers", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var servers map[string]monitor.ServerDescriptor
	if err := json.NewDecoder(rr.Body).Decode(&servers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := servers["primary"]; !ok {
		t.Fatalf("expected primary in %+v", servers)
	}
}

func TestAlterServerChangesRank(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodPost, "/servers/replica-a/alter", alterServerRequest{Rank: 5})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := s.monitor.Snapshot().Servers["replica-a"].Rank; got != 5 {
		t.Fatalf("rank = %d, want 5", got)
	}
}

func TestSetServerFlagMaintenance(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodPost, "/servers/primary/flags", setServerFlagRequest{Flag: "maintenance", On: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !s.monitor.Snapshot().Servers["primary"].Maintenance {
		t.Fatal("expected primary to be in maintenance")
	}
}

func TestSetServerFlagRejectsUnknownFlag(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodPost, "/servers/primary/flags", setServerFlagRequest{Flag: "bogus", On: true})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAlterServiceChangesFailureMode(t *testing.T) {
	s, r := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodPut, "/services/shop", alterServiceRequest{FailureMode: "error_on_write"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if r.FailureMode() != router.ErrorOnWrite {
		t.Fatalf("failure mode = %v, want ErrorOnWrite", r.FailureMode())
	}
}

func TestAlterServiceNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodPut, "/services/nope", alterServiceRequest{FailureMode: "error_on_write"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestDestroyService(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodDelete, "/services/shop", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	rr2 := doRequest(s.routes(), http.MethodGet, "/services", nil)
	var names []string
	json.NewDecoder(rr2.Body).Decode(&names)
	if len(names) != 0 {
		t.Fatalf("expected service registry empty, got %v", names)
	}
}

func TestCreateAndDestroyFilter(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodPost, "/filters", createFilterRequest{Name: "cap", Type: "maxrows", Limit: 100})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if _, ok := s.filters.Get("cap"); !ok {
		t.Fatal("expected filter registered")
	}

	rr2 := doRequest(s.routes(), http.MethodDelete, "/filters/cap", nil)
	if rr2.Code != http.StatusOK {
		t.Fatalf("status = %d", rr2.Code)
	}
	if _, ok := s.filters.Get("cap"); ok {
		t.Fatal("expected filter removed")
	}
}

func TestCreateFilterRejectsUnknownType(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodPost, "/filters", createFilterRequest{Name: "x", Type: "masking"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestStopStartMonitor(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(s.routes(), http.MethodPost, "/monitor/stop", nil)
	if !s.monitor.Stopped() {
		t.Fatal("expected monitor stopped")
	}
	doRequest(s.routes(), http.MethodPost, "/monitor/start", nil)
	if s.monitor.Stopped() {
		t.Fatal("expected monitor started")
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s.routes(), http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}
