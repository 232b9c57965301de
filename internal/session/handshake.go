package session

import (
	"fmt"

	"github.com/dbproxy/mxcore/internal/authtrait"
	"github.com/dbproxy/mxcore/internal/wire"
)

// CredentialStore resolves a username to its stored mysql_native_password
// stage-2 hash (SHA1(SHA1(password))), the way a real server consults
// mysql.user without ever holding the plaintext.
type CredentialStore interface {
	Lookup(user string) (stage2Hash []byte, defaultDatabase string, ok bool)
}

// sendGreeting writes the HandshakeV10 server greeting, generating a fresh
// salt for this connection.
func (s *Session) sendGreeting() error {
	salt, err := wire.GenerateSalt()
	if err != nil {
		return err
	}
	s.salt = salt

	data := make([]byte, 0, 128)
	data = append(data, 10) // protocol version
	data = append(data, wire.ServerVersion...)
	data = append(data, 0)
	data = append(data, byte(s.connID), byte(s.connID>>8), byte(s.connID>>16), byte(s.connID>>24))
	data = append(data, salt[0:8]...)
	data = append(data, 0) // filler

	caps := wire.DefaultServerCapabilities
	data = append(data, byte(caps), byte(caps>>8))
	data = append(data, 0x2d) // utf8mb4_general_ci
	data = append(data, 0x02, 0x00) // status: autocommit
	data = append(data, byte(caps>>16), byte(caps>>24))
	data = append(data, 21) // auth-plugin-data-len
	data = append(data, make([]byte, 10)...)
	data = append(data, salt[8:20]...)
	data = append(data, 0)
	data = append(data, []byte("mysql_native_password")...)
	data = append(data, 0)

	s.seq = 0
	_, err = wire.WritePacket(s.nc, data, s.seq)
	s.seq++
	s.state = StateHandshakeSend
	return err
}

// readAuthResponse parses HandshakeResponse41 and verifies it against the
// credential store, completing AUTH_EXCHANGE.
func (s *Session) readAuthResponse(store CredentialStore, auth authtrait.ClientExchange) error {
	s.state = StateHandshakeRecv
	payload, seq, err := wire.ReadPacket(s.r)
	if err != nil {
		return err
	}
	s.seq = seq + 1

	if len(payload) < 32 {
		return fmt.Errorf("short handshake response")
	}
	caps := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	s.caps = caps & wire.DefaultServerCapabilities
	s.charset = payload[8]

	pos := 32
	user, n := wire.ReadNullTerminatedString(payload[pos:])
	if n == 0 {
		return fmt.Errorf("malformed username")
	}
	pos += n
	s.user = string(user)

	var authResp []byte
	if caps&wire.ClientPluginAuthLenencClientData != 0 {
		v, _, ln := wire.ReadLengthEncodedString(payload[pos:])
		authResp, pos = v, pos+ln
	} else if caps&wire.ClientSecureConnection != 0 {
		if pos >= len(payload) {
			return fmt.Errorf("malformed auth response length")
		}
		l := int(payload[pos])
		pos++
		if pos+l > len(payload) {
			return fmt.Errorf("truncated auth response")
		}
		authResp = payload[pos : pos+l]
		pos += l
	} else {
		v, n2 := wire.ReadNullTerminatedString(payload[pos:])
		authResp, pos = v, pos+n2
	}

	if caps&wire.ClientConnectWithDB != 0 && pos < len(payload) {
		db, n3 := wire.ReadNullTerminatedString(payload[pos:])
		s.database = string(db)
		pos += n3
	}

	s.state = StateAuthExchange
	stage2, defaultDB, ok := store.Lookup(s.user)
	if !ok {
		s.writeAuthError(s.user)
		return fmt.Errorf("unknown user %q", s.user)
	}
	if s.database == "" {
		s.database = defaultDB
	}
	if auth == nil {
		auth = authtrait.NativePassword{}
	}
	if !auth.Verify(s.salt, authResp, stage2) {
		s.writeAuthError(s.user)
		return fmt.Errorf("authentication failed for user %q", s.user)
	}

	s.state = StateAuthDone
	ok_ := wire.WriteOKPacket(0, 0, wire.ServerStatusAutocommit, s.caps)
	if _, err := wire.WritePacket(s.nc, ok_, s.seq); err != nil {
		return err
	}
	s.seq++
	s.state = StateReady
	return nil
}

func (s *Session) writeAuthError(user string) error {
	pkt := wire.WriteErrorPacket(1045, "28000", fmt.Sprintf("Access denied for user '%s'", user), s.caps)
	_, err := wire.WritePacket(s.nc, pkt, s.seq)
	s.seq++
	s.state = StateError
	return err
}
