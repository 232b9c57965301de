package session

import (
	"testing"

	"github.com/dbproxy/mxcore/internal/classifier"
	"github.com/dbproxy/mxcore/internal/monitor"
	"github.com/dbproxy/mxcore/internal/router"
)

func emptySnapshot() *monitor.Snapshot {
	return &monitor.Snapshot{Servers: map[string]monitor.ServerDescriptor{}}
}

func TestLEUint32RoundTrip(t *testing.T) {
	b := make([]byte, 4)
	putLEUint32(b, 0xDEADBEEF)
	if got := leUint32(b); got != 0xDEADBEEF {
		t.Fatalf("got %#x, want 0xDEADBEEF", got)
	}
}

func TestFingerprintReflectsSessionState(t *testing.T) {
	s := &Session{user: "app", database: "shop", charset: 0x2d, caps: 1}
	fp := s.fingerprint()
	if fp.User != "app" || fp.Database != "shop" || fp.Charset != 0x2d || fp.Capabilities != 1 {
		t.Fatalf("fingerprint = %+v", fp)
	}
}

func TestRouteErrorIsFatalUnderFailInstantly(t *testing.T) {
	s := &Session{router: router.New(emptySnapshot(), router.FailInstantly, router.RoundRobin, nil)}
	read := classifier.Classify("SELECT 1", classifier.ModeDefault)
	if !s.routeErrorIsFatal(read) {
		t.Fatal("FailInstantly must terminate the session for any routing failure, including a read")
	}
}

func TestRouteErrorIsFatalUnderErrorOnWrite(t *testing.T) {
	s := &Session{router: router.New(emptySnapshot(), router.ErrorOnWrite, router.RoundRobin, nil)}
	write := classifier.Classify("INSERT INTO orders (id) VALUES (1)", classifier.ModeDefault)
	if s.routeErrorIsFatal(write) {
		t.Fatal("ErrorOnWrite must error the statement, not tear the session down")
	}
}

func TestRouteErrorIsFatalUnderFailOnWrite(t *testing.T) {
	s := &Session{router: router.New(emptySnapshot(), router.FailOnWrite, router.RoundRobin, nil)}

	write := classifier.Classify("INSERT INTO orders (id) VALUES (1)", classifier.ModeDefault)
	if !s.routeErrorIsFatal(write) {
		t.Fatal("FailOnWrite must terminate the session on a write failure")
	}

	read := classifier.Classify("SELECT 1", classifier.ModeDefault)
	if s.routeErrorIsFatal(read) {
		t.Fatal("FailOnWrite must only error a plain read, not terminate the session")
	}
}

func TestHandleStmtSendLongDataBuffersWithoutReply(t *testing.T) {
	s := &Session{stmtQuery: map[uint32]string{1: "INSERT INTO blobs (data) VALUES (?)"}, stmtLongData: map[uint32][][]byte{}}
	body := append(leBytes(1), append(leBytes16(0), []byte("chunk-one")...)...)
	if err := s.handleStmtSendLongData(body); err != nil {
		t.Fatalf("handleStmtSendLongData returned %v, want nil (no reply)", err)
	}
	if got := len(s.stmtLongData[1]); got != 1 {
		t.Fatalf("buffered %d chunks, want 1", got)
	}
}

func TestHandleStmtSendLongDataIgnoresUnknownStatement(t *testing.T) {
	s := &Session{stmtQuery: map[uint32]string{}, stmtLongData: map[uint32][][]byte{}}
	body := append(leBytes(99), append(leBytes16(0), []byte("ignored")...)...)
	if err := s.handleStmtSendLongData(body); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if len(s.stmtLongData) != 0 {
		t.Fatalf("buffered data for an unprepared statement id: %v", s.stmtLongData)
	}
}

func leBytes(v uint32) []byte {
	b := make([]byte, 4)
	putLEUint32(b, v)
	return b
}

func leBytes16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}
