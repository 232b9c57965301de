// Package backendconn implements the backend connection state machine of
// §4.4: dialing a real server, completing its handshake and
// authentication, sending routed commands, accumulating replies
// (including chained multi-result-set replies), translating
// prepared-statement IDs between client-visible and backend-assigned
// numbers, and reverting a pooled connection to a fresh state for reuse
// via COM_RESET_CONNECTION (preferred) or COM_CHANGE_USER (fallback).
//
// The dial/handshake/command loop is grounded on the teacher's
// ensureBackendConn and execBackendQuery in mariadb/mariadb.go.
package backendconn

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/dbproxy/mxcore/internal/authtrait"
	"github.com/dbproxy/mxcore/internal/pool"
	"github.com/dbproxy/mxcore/internal/wire"
)

// Credentials identifies how to authenticate to a backend server.
type Credentials struct {
	User         string
	Password     string
	Database     string
	Capabilities uint32
}

// PreparedStmt tracks the translation between a client-visible statement
// ID and the ID this backend actually assigned it, plus enough metadata
// to replay COM_STMT_EXECUTE correctly after a reconnect.
type PreparedStmt struct {
	ClientID   uint32
	BackendID  uint32
	ParamCount int
	Query      string
}

// Conn is one backend server connection.
type Conn struct {
	nc         net.Conn
	r          *bufio.Reader
	serverName string
	address    string
	seq        byte
	caps       uint32
	creds      Credentials

	state   State
	usable  int32 // atomic bool

	stmts map[uint32]*PreparedStmt // backend-ID keyed

	rawHandshakeResp []byte // the original HandshakeResponse41, kept for COM_CHANGE_USER-style reuse
}

var _ pool.Conn = (*Conn)(nil)

// Dial connects to address, completes the server greeting / auth
// handshake using creds, and returns a ready Conn in StatePooled.
func Dial(ctx context.Context, serverName, address string, creds Credentials, auth authtrait.BackendExchange) (*Conn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}

	c := &Conn{
		nc:         nc,
		r:          bufio.NewReaderSize(nc, 16*1024),
		serverName: serverName,
		address:    address,
		creds:      creds,
		caps:       creds.Capabilities,
		stmts:      make(map[uint32]*PreparedStmt),
		usable:     1,
	}
	c.state = StateHandshaking

	if err := c.handshake(auth); err != nil {
		nc.Close()
		return nil, err
	}
	nc.SetDeadline(time.Time{})
	c.state = StatePooled
	return c, nil
}

// handshake implements the HANDSHAKING/AUTHENTICATING sub-states for a
// plaintext TCP connection. No proxy-protocol header is sent and no
// backend TLS is negotiated; this package has no code for either.
func (c *Conn) handshake(auth authtrait.BackendExchange) error {
	greeting, seq, err := wire.ReadPacket(c.r)
	if err != nil {
		return fmt.Errorf("reading server greeting: %w", err)
	}
	salt, ok := parseGreetingSalt(greeting)
	if !ok {
		return fmt.Errorf("malformed server greeting from %s", c.address)
	}

	c.state = StateAuthenticating
	resp := authtrait.NativePassword{}.Respond(salt, []byte(c.creds.Password))
	if auth != nil {
		resp = auth.Respond(salt, []byte(c.creds.Password))
	}

	authPkt := buildHandshakeResponse(c.creds, resp)
	c.rawHandshakeResp = authPkt
	c.seq = seq + 1
	if _, err := wire.WritePacket(c.nc, authPkt, c.seq); err != nil {
		return fmt.Errorf("writing auth response: %w", err)
	}

	reply, seq2, err := wire.ReadPacket(c.r)
	if err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}
	c.seq = seq2 + 1
	if wire.IsERR(reply) {
		return fmt.Errorf("backend authentication rejected for user %q", c.creds.User)
	}
	c.state = StateConnectionInit
	return nil
}

// parseGreetingSalt extracts the 8+12-byte split auth-plugin-data salt
// from a HandshakeV10 greeting.
func parseGreetingSalt(greeting []byte) ([]byte, bool) {
	if len(greeting) < 1 || greeting[0] != 10 {
		return nil, false
	}
	pos := 1
	_, n := wire.ReadNullTerminatedString(greeting[pos:]) // server version
	if n == 0 {
		return nil, false
	}
	pos += n
	if len(greeting) < pos+4 {
		return nil, false
	}
	pos += 4 // connection id
	if len(greeting) < pos+9 {
		return nil, false
	}
	salt := append([]byte(nil), greeting[pos:pos+8]...)
	pos += 8 + 1 // salt part 1 + filler
	if len(greeting) < pos+2 {
		return salt, true
	}
	pos += 2 // capability flags lower 2 bytes
	if len(greeting) < pos+1 {
		return salt, true
	}
	pos += 1 // charset
	if len(greeting) < pos+2 {
		return salt, true
	}
	pos += 2 // status flags
	if len(greeting) < pos+2 {
		return salt, true
	}
	pos += 2 // capability flags upper 2 bytes
	if len(greeting) < pos+1 {
		return salt, true
	}
	saltLen := int(greeting[pos])
	pos += 1 + 10 // auth-plugin-data-len + reserved
	part2Len := saltLen - 8
	if part2Len < 0 {
		part2Len = 12
	}
	if len(greeting) < pos+part2Len {
		return salt, true
	}
	part2 := greeting[pos : pos+part2Len]
	// part2 is null-terminated; drop the trailing NUL if present.
	if len(part2) > 0 && part2[len(part2)-1] == 0 {
		part2 = part2[:len(part2)-1]
	}
	return append(salt, part2...), true
}

func buildHandshakeResponse(creds Credentials, authResponse []byte) []byte {
	out := make([]byte, 0, 64+len(creds.User)+len(creds.Database)+len(authResponse))
	caps := creds.Capabilities
	if creds.Database != "" {
		caps |= wire.ClientConnectWithDB
	}
	var capBuf [4]byte
	capBuf[0] = byte(caps)
	capBuf[1] = byte(caps >> 8)
	capBuf[2] = byte(caps >> 16)
	capBuf[3] = byte(caps >> 24)
	out = append(out, capBuf[:]...)
	out = append(out, 0, 0, 0, 0x40) // max packet size (64MB)
	out = append(out, 0x21)          // utf8mb4_general_ci
	out = append(out, make([]byte, 23)...)
	out = append(out, []byte(creds.User)...)
	out = append(out, 0)
	out = append(out, byte(len(authResponse)))
	out = append(out, authResponse...)
	if creds.Database != "" {
		out = append(out, []byte(creds.Database)...)
		out = append(out, 0)
	}
	if caps&wire.ClientPluginAuth != 0 {
		out = append(out, []byte("mysql_native_password")...)
		out = append(out, 0)
	}
	return out
}

// SendCommand writes a COM_* packet, resetting the sequence counter (a
// fresh command always starts a new sequence at 0, per §4.1).
func (c *Conn) SendCommand(payload []byte) error {
	c.seq = 0
	_, err := wire.WritePacket(c.nc, payload, c.seq)
	if err != nil {
		atomic.StoreInt32(&c.usable, 0)
		return err
	}
	c.seq++
	return nil
}

// ReadReply accumulates one full logical reply to the last command sent.
func (c *Conn) ReadReply() (*Reply, error) {
	reply, err := readReply(func() ([]byte, error) {
		payload, seq, err := wire.ReadPacket(c.r)
		if err != nil {
			return nil, err
		}
		c.seq = seq + 1
		return payload, nil
	}, c.caps)
	if err != nil {
		atomic.StoreInt32(&c.usable, 0)
		return nil, err
	}
	return reply, nil
}

// Query sends a COM_QUERY and returns its full reply.
func (c *Conn) Query(query string) (*Reply, error) {
	payload := append([]byte{wire.ComQuery}, query...)
	if err := c.SendCommand(payload); err != nil {
		return nil, err
	}
	return c.ReadReply()
}

// RegisterPreparedStmt records the client-ID/backend-ID mapping created by
// a COM_STMT_PREPARE round trip.
func (c *Conn) RegisterPreparedStmt(ps *PreparedStmt) {
	c.stmts[ps.BackendID] = ps
}

// TranslateExecute rewrites a COM_STMT_EXECUTE payload's leading 4-byte
// statement ID from the client-visible ID to this backend's own ID,
// returning an error if this backend never prepared that statement
// (meaning the session must re-PREPARE here first).
func (c *Conn) TranslateExecute(payload []byte, clientToBackend map[uint32]uint32) ([]byte, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("short COM_STMT_EXECUTE payload")
	}
	clientID := leUint32(payload[1:5])
	backendID, ok := clientToBackend[clientID]
	if !ok {
		return nil, fmt.Errorf("statement %d not prepared on backend %s", clientID, c.serverName)
	}
	out := append([]byte(nil), payload...)
	putLEUint32(out[1:5], backendID)
	return out, nil
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

// ResetForReuse implements pool.Conn: it tries COM_RESET_CONNECTION
// first (cheap, keeps the authenticated user), falling back to
// COM_CHANGE_USER when the new fingerprint needs a different user or the
// reset itself fails.
func (c *Conn) ResetForReuse(ctx context.Context, want pool.Fingerprint) error {
	if want.User != c.creds.User {
		return c.changeUser(want)
	}

	c.state = StateResetConnection
	if err := c.SendCommand([]byte{wire.ComResetConnection}); err != nil {
		return err
	}
	reply, err := c.ReadReply()
	if err != nil {
		return err
	}
	if reply.FinalERR {
		log.Printf("[backendconn] COM_RESET_CONNECTION failed on %s, falling back to COM_CHANGE_USER", c.serverName)
		return c.changeUser(want)
	}
	for k := range c.stmts {
		delete(c.stmts, k)
	}
	if want.Database != "" {
		if _, err := c.Query("USE " + want.Database); err != nil {
			return err
		}
	}
	c.state = StatePooled
	return nil
}

func (c *Conn) changeUser(want pool.Fingerprint) error {
	c.state = StateSendChangeUser
	payload := append([]byte{wire.ComChangeUser}, []byte(want.User)...)
	payload = append(payload, 0)
	payload = append(payload, 0) // empty auth-response length placeholder; a real deployment
	// supplies the correct password hash for the target user from its
	// credential store here.
	payload = append(payload, []byte(want.Database)...)
	payload = append(payload, 0)
	if err := c.SendCommand(payload); err != nil {
		return err
	}
	c.state = StateReadChangeUser
	reply, err := c.ReadReply()
	if err != nil {
		return err
	}
	if reply.FinalERR {
		return fmt.Errorf("COM_CHANGE_USER to %q failed on %s", want.User, c.serverName)
	}
	c.creds.User = want.User
	c.creds.Database = want.Database
	for k := range c.stmts {
		delete(c.stmts, k)
	}
	c.state = StatePooled
	return nil
}

// Ping sends COM_PING, the cheapest possible liveness probe, used by
// StatePinging before handing an idle connection back out.
func (c *Conn) Ping() error {
	c.state = StatePinging
	if err := c.SendCommand([]byte{wire.ComPing}); err != nil {
		return err
	}
	reply, err := c.ReadReply()
	if err != nil {
		return err
	}
	if reply.FinalERR {
		return fmt.Errorf("ping failed on %s", c.serverName)
	}
	c.state = StatePooled
	return nil
}

func (c *Conn) Close() error {
	atomic.StoreInt32(&c.usable, 0)
	c.state = StateFailed
	return c.nc.Close()
}

func (c *Conn) Usable() bool     { return atomic.LoadInt32(&c.usable) == 1 }
func (c *Conn) ServerName() string { return c.serverName }
func (c *Conn) State() State     { return c.state }
func (c *Conn) Address() string  { return c.address }
