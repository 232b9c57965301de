// Package session implements the client-facing connection state machine
// of §4.3: it terminates the MariaDB/MySQL wire protocol against the
// connecting application, classifies each statement, asks the router
// which backend it belongs on, acquires a backend connection from the
// worker's pool, forwards the statement and relays the reply back with
// rewritten sequence numbers, and records session-affecting commands into
// its History so a freshly acquired backend can be caught up.
//
// The command dispatch loop is grounded on the teacher's clientConn.run
// and dispatch in mariadb/mariadb.go, generalized from a single pinned
// backend to the per-statement routing decision §4.7 requires.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/dbproxy/mxcore/internal/authtrait"
	"github.com/dbproxy/mxcore/internal/backendconn"
	"github.com/dbproxy/mxcore/internal/classifier"
	"github.com/dbproxy/mxcore/internal/filter"
	"github.com/dbproxy/mxcore/internal/history"
	"github.com/dbproxy/mxcore/internal/metrics"
	"github.com/dbproxy/mxcore/internal/pool"
	"github.com/dbproxy/mxcore/internal/router"
	"github.com/dbproxy/mxcore/internal/wire"
)

// Dialer acquires a ready backend connection for serverName under fp,
// reusing the worker's pool.
type Dialer interface {
	Acquire(ctx context.Context, serverName string, fp pool.Fingerprint) (pool.Conn, error)
	Return(fp pool.Fingerprint, conn pool.Conn)
	Drop(fp pool.Fingerprint)
}

// Session is one client connection.
type Session struct {
	nc     net.Conn
	r      *bufio.Reader
	seq    byte
	connID uint32

	salt     []byte
	caps     uint32
	charset  uint8
	user     string
	database string

	state State

	store   CredentialStore
	router  *router.Router
	dialer  Dialer
	hist    *history.History
	mode    classifier.SQLMode
	filters *filter.Chain

	tx            router.TxState
	activeServer  string
	activeConn    pool.Conn
	nextStmtID    uint32
	stmtBackendID map[uint32]map[string]uint32 // client stmt id -> serverName -> backend stmt id
	stmtQuery     map[uint32]string
	stmtLongData  map[uint32][][]byte // client stmt id -> accumulated raw COM_STMT_SEND_LONG_DATA payloads, in order
}

// New wraps an accepted net.Conn as a Session bound to r (routing) and d
// (the worker's backend pool).
func New(nc net.Conn, connID uint32, store CredentialStore, r *router.Router, d Dialer, hist *history.History, filters *filter.Chain) *Session {
	return &Session{
		nc:            nc,
		r:             bufio.NewReaderSize(nc, 16*1024),
		connID:        connID,
		store:         store,
		router:        r,
		dialer:        d,
		hist:          hist,
		mode:          classifier.ModeDefault,
		filters:       filters,
		stmtBackendID: make(map[uint32]map[string]uint32),
		stmtQuery:     make(map[uint32]string),
		stmtLongData:  make(map[uint32][][]byte),
	}
}

// Run drives the session to completion: handshake, then command loop,
// until the client disconnects or an unrecoverable error occurs.
func (s *Session) Run() {
	defer s.cleanup()

	if err := s.sendGreeting(); err != nil {
		log.Printf("[session %d] greeting failed: %v", s.connID, err)
		return
	}
	if err := s.readAuthResponse(s.store, nil); err != nil {
		log.Printf("[session %d] auth failed: %v", s.connID, err)
		return
	}

	for s.state == StateReady {
		if err := s.serveOne(); err != nil {
			if err != errClientQuit {
				log.Printf("[session %d] %v", s.connID, err)
			}
			return
		}
	}
}

var errClientQuit = errors.New("client sent COM_QUIT")

func (s *Session) serveOne() error {
	payload, seq, err := wire.ReadPacket(s.r)
	if err != nil {
		return err
	}
	s.seq = seq + 1
	if len(payload) == 0 {
		return fmt.Errorf("empty command packet")
	}

	cmd := payload[0]
	body := payload[1:]
	s.state = StateRouting

	var err2 error
	switch cmd {
	case wire.ComQuit:
		return errClientQuit
	case wire.ComPing:
		err2 = s.replyOK()
	case wire.ComInitDB:
		err2 = s.handleInitDB(string(body))
	case wire.ComQuery:
		err2 = s.handleQuery(string(body))
	case wire.ComFieldList:
		err2 = s.handleFieldList(body)
	case wire.ComStmtPrepare:
		err2 = s.handlePrepare(string(body))
	case wire.ComStmtSendLongData:
		err2 = s.handleStmtSendLongData(body)
	case wire.ComStmtExecute:
		err2 = s.handleExecute(body)
	case wire.ComStmtClose:
		err2 = s.handleStmtClose(body)
	case wire.ComStmtReset:
		err2 = s.handleStmtReset(body)
	case wire.ComSetOption:
		err2 = s.handleSetOption(body)
	case wire.ComChangeUser:
		err2 = s.handleChangeUser(body)
	case wire.ComResetConnection:
		err2 = s.handleResetConnection()
	default:
		err2 = s.replyError(fmt.Errorf("command 0x%02x not supported", cmd))
	}

	if err2 != nil {
		return err2
	}
	// Handlers that complete normally (including those with no reply, like
	// COM_STMT_SEND_LONG_DATA and COM_STMT_CLOSE) return the session to
	// StateReady so Run's loop keeps serving further commands. A handler
	// that needs the session torn down returns a non-nil error instead.
	if s.state != StateError {
		s.state = StateReady
	}
	return nil
}

func (s *Session) handleInitDB(db string) error {
	s.database = db
	s.recordSessionCommand([]byte("USE "+db), true)
	s.state = StateReady
	return s.replyOK()
}

func (s *Session) fingerprint() pool.Fingerprint {
	return pool.Fingerprint{User: s.user, Database: s.database, Charset: s.charset, Capabilities: s.caps}
}

// handleQuery classifies the statement, routes it, acquires the target
// backend (reusing the already-pinned one when the route doesn't change),
// executes it, and relays the reply.
func (s *Session) handleQuery(query string) error {
	cls := classifier.Classify(query, s.mode)
	metrics.ClassifiedTotal.WithLabelValues(cls.Op.String(), cls.Quality.String()).Inc()
	hint := router.ParseHint(query)

	decision, newTx, err := s.router.Route(cls, true, s.tx, hint)
	if err != nil {
		fatal := s.routeErrorIsFatal(cls)
		if replyErr := s.replyError(err); replyErr != nil {
			return replyErr
		}
		if fatal {
			return err
		}
		s.state = StateReady
		return nil
	}
	s.tx = newTx

	if err := s.attachTo(decision.ServerName); err != nil {
		s.state = StateReady
		return s.replyError(err)
	}

	reply, err := s.activeConn.(*backendconn.Conn).Query(query)
	if err != nil {
		s.dialer.Drop(s.fingerprint())
		s.activeConn = nil
		s.activeServer = ""
		s.state = StateReady
		return s.replyError(err)
	}

	if cls.Type.Any(classifier.TypeSessionWrite) {
		s.hist.Add([]byte(query), flattenPackets(reply.Packets), !reply.FinalERR)
	}

	if s.filters != nil && !reply.FinalERR {
		if err := s.filters.Apply(query, reply); err != nil {
			if s.tx == router.TxNone {
				s.release()
			}
			s.state = StateReady
			return s.replyError(err)
		}
	}

	s.state = StateStreaming
	if err := s.relay(reply); err != nil {
		return err
	}

	if s.tx == router.TxNone {
		s.release()
	}
	s.state = StateReady
	return nil
}

// routeErrorIsFatal reports whether a routing failure for cls must close
// the session outright rather than just error the one statement (§4.7).
// FailInstantly tears the session down for any routing failure at all,
// since it refuses to route the moment no slave is reachable regardless
// of what's being routed. FailOnWrite behaves like ErrorOnWrite — error
// the statement and carry on — for reads, but tears the session down the
// same way FailInstantly does once the failing statement is a write with
// no master available.
func (s *Session) routeErrorIsFatal(cls *classifier.Result) bool {
	switch s.router.FailureMode() {
	case router.FailInstantly:
		return true
	case router.FailOnWrite:
		return cls != nil && cls.Type.Any(classifier.TypeWrite|classifier.TypeSessionWrite|
			classifier.TypeUserVarWrite|classifier.TypeGSysVarWrite)
	default:
		return false
	}
}

// attachTo ensures s.activeConn is a live connection to serverName,
// acquiring one from the pool if the session isn't already attached to
// it (and releasing whatever it was attached to, unless a transaction is
// pinning it there).
func (s *Session) attachTo(serverName string) error {
	if s.activeConn != nil && s.activeServer == serverName {
		return nil
	}
	if s.activeConn != nil && s.tx == router.TxNone {
		s.release()
	}
	if s.activeConn != nil && s.tx != router.TxNone {
		return fmt.Errorf("transaction pinned to %s cannot move to %s", s.activeServer, serverName)
	}

	conn, err := s.dialer.Acquire(context.Background(), serverName, s.fingerprint())
	if err != nil {
		return fmt.Errorf("acquiring backend %s: %w", serverName, err)
	}
	s.activeConn = conn
	s.activeServer = serverName

	for _, e := range s.hist.Since(s.hist.ReplayPosition(serverName)) {
		bc := conn.(*backendconn.Conn)
		r, err := bc.Query(string(e.Payload))
		if err != nil {
			return fmt.Errorf("replaying history on %s: %w", serverName, err)
		}

		matches := !r.FinalERR == e.Success
		if matches && e.HasReply {
			matches = e.VerifyChecksum(flattenPackets(r.Packets))
		}
		if matches {
			s.hist.MarkReplayed(serverName, e.ID)
			metrics.HistoryReplayedTotal.WithLabelValues(serverName, "ok").Inc()
		} else {
			log.Printf("[session %d] history replay mismatch on %s at entry %d", s.connID, serverName, e.ID)
			metrics.HistoryReplayedTotal.WithLabelValues(serverName, "mismatch").Inc()
			metrics.HistoryMismatchTotal.WithLabelValues(serverName).Inc()
		}
	}
	return nil
}

// flattenPackets concatenates a Reply's packets into one byte slice for
// checksumming, the same bytes history.Entry.VerifyChecksum compares
// against what was recorded when the command first ran.
func flattenPackets(packets [][]byte) []byte {
	if packets == nil {
		return nil
	}
	var n int
	for _, p := range packets {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range packets {
		out = append(out, p...)
	}
	return out
}

func (s *Session) release() {
	if s.activeConn == nil {
		return
	}
	s.dialer.Return(s.fingerprint(), s.activeConn)
	s.activeConn = nil
	s.activeServer = ""
}

func (s *Session) recordSessionCommand(payload []byte, success bool) {
	s.hist.Add(payload, nil, success)
}

// relay forwards every packet of reply to the client, rewriting sequence
// numbers to continue from the client's own sequence counter.
func (s *Session) relay(reply *backendconn.Reply) error {
	for _, pkt := range reply.Packets {
		nextSeq, err := wire.WritePacket(s.nc, pkt, s.seq)
		if err != nil {
			return err
		}
		s.seq = nextSeq
	}
	return nil
}

func (s *Session) handlePrepare(query string) error {
	s.nextStmtID++
	clientID := s.nextStmtID
	s.stmtQuery[clientID] = query

	cls := classifier.Classify(query, s.mode)
	decision, _, err := s.router.Route(cls, true, s.tx, nil)
	if err != nil {
		fatal := s.routeErrorIsFatal(cls)
		if replyErr := s.replyError(err); replyErr != nil {
			return replyErr
		}
		if fatal {
			return err
		}
		return nil
	}
	if err := s.attachTo(decision.ServerName); err != nil {
		return s.replyError(err)
	}

	payload := append([]byte{wire.ComStmtPrepare}, query...)
	bc := s.activeConn.(*backendconn.Conn)
	if err := bc.SendCommand(payload); err != nil {
		return s.replyError(err)
	}
	reply, err := bc.ReadReply()
	if err != nil {
		return s.replyError(err)
	}
	if reply.FinalERR {
		return s.relay(reply)
	}
	if len(reply.Packets) == 0 {
		return s.replyError(fmt.Errorf("empty PREPARE reply"))
	}
	backendID := leUint32(reply.Packets[0][1:5])
	bc.RegisterPreparedStmt(&backendconn.PreparedStmt{ClientID: clientID, BackendID: backendID, Query: query})
	s.stmtBackendID[clientID] = map[string]uint32{decision.ServerName: backendID}

	out := append([]byte(nil), reply.Packets[0]...)
	putLEUint32(out[1:5], clientID)
	reply.Packets[0] = out
	return s.relay(reply)
}

func (s *Session) handleExecute(body []byte) error {
	if len(body) < 4 {
		return s.replyError(fmt.Errorf("short COM_STMT_EXECUTE"))
	}
	clientID := leUint32(body[0:4])
	query, ok := s.stmtQuery[clientID]
	if !ok {
		return s.replyError(fmt.Errorf("unknown statement id %d", clientID))
	}

	cls := classifier.Classify(query, s.mode)
	decision, _, err := s.router.Route(cls, true, s.tx, nil)
	if err != nil {
		fatal := s.routeErrorIsFatal(cls)
		if replyErr := s.replyError(err); replyErr != nil {
			return replyErr
		}
		if fatal {
			return err
		}
		return nil
	}
	if err := s.attachTo(decision.ServerName); err != nil {
		return s.replyError(err)
	}

	backendIDs, ok := s.stmtBackendID[clientID]
	backendID := backendIDs[decision.ServerName]
	if !ok || backendID == 0 {
		return s.replyError(fmt.Errorf("statement %d not prepared on %s", clientID, decision.ServerName))
	}
	idMap := map[uint32]uint32{clientID: backendID}

	bc := s.activeConn.(*backendconn.Conn)
	for _, chunk := range s.stmtLongData[clientID] {
		translatedChunk, err := bc.TranslateExecute(chunk, idMap)
		if err != nil {
			return s.replyError(err)
		}
		if err := bc.SendCommand(translatedChunk); err != nil {
			return s.replyError(err)
		}
	}
	delete(s.stmtLongData, clientID)

	translated, err := bc.TranslateExecute(append([]byte{wire.ComStmtExecute}, body...), idMap)
	if err != nil {
		return s.replyError(err)
	}
	if err := bc.SendCommand(translated); err != nil {
		return s.replyError(err)
	}
	reply, err := bc.ReadReply()
	if err != nil {
		return s.replyError(err)
	}
	return s.relay(reply)
}

func (s *Session) handleStmtClose(body []byte) error {
	if len(body) >= 4 {
		clientID := leUint32(body[0:4])
		delete(s.stmtBackendID, clientID)
		delete(s.stmtQuery, clientID)
		delete(s.stmtLongData, clientID)
	}
	// COM_STMT_CLOSE has no reply by protocol definition.
	return nil
}

// handleStmtSendLongData accumulates a COM_STMT_SEND_LONG_DATA chunk for
// later replay at EXECUTE time (§4.3). It has no reply by protocol
// definition — replying here would desync the wire, since the client
// reads the next packet as the reply to the COM_STMT_EXECUTE that
// follows.
func (s *Session) handleStmtSendLongData(body []byte) error {
	if len(body) < 4 {
		return nil
	}
	clientID := leUint32(body[0:4])
	if _, ok := s.stmtQuery[clientID]; !ok {
		return nil
	}
	chunk := append([]byte{wire.ComStmtSendLongData}, body...)
	s.stmtLongData[clientID] = append(s.stmtLongData[clientID], chunk)
	return nil
}

// handleStmtReset clears any long-data buffered for the statement and, if
// a backend is already attached for it, forwards a translated
// COM_STMT_RESET so the backend drops its own buffered parameter data.
func (s *Session) handleStmtReset(body []byte) error {
	if len(body) < 4 {
		return s.replyError(fmt.Errorf("short COM_STMT_RESET"))
	}
	clientID := leUint32(body[0:4])
	delete(s.stmtLongData, clientID)

	if s.activeConn != nil {
		if backendIDs, ok := s.stmtBackendID[clientID]; ok {
			if backendID, ok := backendIDs[s.activeServer]; ok {
				idMap := map[uint32]uint32{clientID: backendID}
				bc := s.activeConn.(*backendconn.Conn)
				translated, err := bc.TranslateExecute(append([]byte{wire.ComStmtReset}, body...), idMap)
				if err != nil {
					return s.replyError(err)
				}
				if err := bc.SendCommand(translated); err != nil {
					return s.replyError(err)
				}
				if _, err := bc.ReadReply(); err != nil {
					return s.replyError(err)
				}
			}
		}
	}
	return s.replyOK()
}

// handleSetOption records COM_SET_OPTION into History, the way §4.3 asks
// of session-affecting commands, then acknowledges with an EOF packet —
// the reply the protocol defines for it.
func (s *Session) handleSetOption(body []byte) error {
	s.recordSessionCommand(append([]byte{wire.ComSetOption}, body...), true)
	return s.replyEOF()
}

// handleChangeUser re-authenticates the connection mid-session (§4.3),
// re-running the same credential lookup and verification readAuthResponse
// performs during the initial handshake, then resets per-statement state
// since every prepared statement and transaction belonged to the old
// identity.
func (s *Session) handleChangeUser(body []byte) error {
	user, n := wire.ReadNullTerminatedString(body)
	if n == 0 {
		return s.replyError(fmt.Errorf("malformed COM_CHANGE_USER"))
	}
	pos := n

	if pos >= len(body) {
		return s.replyError(fmt.Errorf("truncated COM_CHANGE_USER"))
	}
	authLen := int(body[pos])
	pos++
	if pos+authLen > len(body) {
		return s.replyError(fmt.Errorf("truncated COM_CHANGE_USER auth response"))
	}
	authResp := body[pos : pos+authLen]
	pos += authLen

	database, n2 := wire.ReadNullTerminatedString(body[pos:])
	pos += n2

	stage2, defaultDB, ok := s.store.Lookup(string(user))
	if !ok {
		s.writeAuthError(string(user))
		return fmt.Errorf("unknown user %q on COM_CHANGE_USER", user)
	}
	auth := authtrait.NativePassword{}
	if !auth.Verify(s.salt, authResp, stage2) {
		s.writeAuthError(string(user))
		return fmt.Errorf("authentication failed for user %q on COM_CHANGE_USER", user)
	}

	s.release()
	s.user = string(user)
	if len(database) > 0 {
		s.database = string(database)
	} else {
		s.database = defaultDB
	}
	s.tx = router.TxNone
	s.stmtBackendID = make(map[uint32]map[string]uint32)
	s.stmtQuery = make(map[uint32]string)
	s.stmtLongData = make(map[uint32][][]byte)
	s.recordSessionCommand(append([]byte("CHANGE USER "), user...), true)

	return s.replyOK()
}

// handleFieldList serves COM_FIELD_LIST, which unlike a query carries no
// classifiable SQL to route on — it asks for any usable backend, so it
// passes a nil classifier.Result through Route. Inside a pinned
// transaction that keeps it on the transaction's backend; otherwise the
// decision sequence falls through to the slave pick that ends its
// seven-step sequence.
func (s *Session) handleFieldList(body []byte) error {
	decision, _, err := s.router.Route(nil, true, s.tx, nil)
	if err != nil {
		fatal := s.routeErrorIsFatal(nil)
		if replyErr := s.replyError(err); replyErr != nil {
			return replyErr
		}
		if fatal {
			return err
		}
		return nil
	}
	if err := s.attachTo(decision.ServerName); err != nil {
		return s.replyError(err)
	}

	bc := s.activeConn.(*backendconn.Conn)
	if err := bc.SendCommand(append([]byte{wire.ComFieldList}, body...)); err != nil {
		return s.replyError(err)
	}
	reply, err := bc.ReadReply()
	if err != nil {
		return s.replyError(err)
	}
	return s.relay(reply)
}

func (s *Session) handleResetConnection() error {
	s.release()
	s.stmtBackendID = make(map[uint32]map[string]uint32)
	s.stmtQuery = make(map[uint32]string)
	s.stmtLongData = make(map[uint32][][]byte)
	s.tx = router.TxNone
	return s.replyOK()
}

func (s *Session) replyOK() error {
	pkt := wire.WriteOKPacket(0, 0, wire.ServerStatusAutocommit, s.caps)
	_, err := wire.WritePacket(s.nc, pkt, s.seq)
	s.seq++
	return err
}

func (s *Session) replyError(e error) error {
	pkt := wire.WriteErrorPacket(1105, "HY000", e.Error(), s.caps)
	_, err := wire.WritePacket(s.nc, pkt, s.seq)
	s.seq++
	return err
}

func (s *Session) replyEOF() error {
	pkt := wire.WriteEOFPacket(wire.ServerStatusAutocommit, s.caps)
	if s.caps&wire.ClientDeprecateEOF != 0 {
		// OK-as-EOF: an OK packet body behind the 0xFE header.
		pkt = wire.WriteOKPacket(0, 0, wire.ServerStatusAutocommit, s.caps)
		pkt[0] = wire.EOFHeader
	}
	_, err := wire.WritePacket(s.nc, pkt, s.seq)
	s.seq++
	return err
}

func (s *Session) cleanup() {
	s.release()
	s.nc.Close()
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
