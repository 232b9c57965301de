// Package authtrait defines the pluggable authentication exchange used on
// both sides of a connection (§6's auth-trait contract): the client side
// negotiates credentials with the connecting application, the backend
// side negotiates them with a real server. Only mysql_native_password is
// implemented in-core, since it is the protocol-mandated baseline every
// MariaDB/MySQL server supports; richer plugins (caching_sha2_password,
// PAM, GSSAPI) are external per the Non-goals and would implement the
// same interfaces.
package authtrait

import (
	"crypto/sha1" //nolint:gosec // mysql_native_password is SHA-1 by protocol spec

	"github.com/dbproxy/mxcore/internal/wire"
)

// ClientExchange negotiates credentials with a connecting client during
// the handshake response / AuthSwitchRequest dance.
type ClientExchange interface {
	// Name is the plugin name advertised in the handshake packet.
	Name() string
	// Salt returns the per-connection auth data sent in the greeting.
	Salt() ([]byte, error)
	// Verify checks the client's auth response against the expected
	// password hash (as stored, e.g. a native_password hash) and the
	// salt previously returned by Salt.
	Verify(salt, clientResponse, storedHash []byte) bool
}

// BackendExchange negotiates credentials with a real backend server on
// the proxy's behalf, given the salt the backend's own greeting supplied.
type BackendExchange interface {
	Name() string
	// Respond computes the auth response bytes to send back to the
	// backend, given its salt and the plaintext password configured for
	// this backend user.
	Respond(salt, password []byte) []byte
}

// NativePassword implements both ClientExchange and BackendExchange using
// the mysql_native_password SHA1 scramble (wire.NativePasswordHash).
type NativePassword struct{}

func (NativePassword) Name() string { return "mysql_native_password" }

func (NativePassword) Salt() ([]byte, error) { return wire.GenerateSalt() }

// Verify recomputes the scramble against storedHash (itself
// SHA1(SHA1(password)), as stored server-side) and compares.
//
// mysql_native_password's check identity is:
//
//	clientResponse == SHA1(password) XOR SHA1(salt + SHA1(SHA1(password)))
//
// storedHash here is SHA1(SHA1(password)); Verify works purely from that
// without ever seeing the plaintext password, matching how a real server
// validates it against mysql.user.
func (NativePassword) Verify(salt, clientResponse, storedHash []byte) bool {
	if len(clientResponse) == 0 && len(storedHash) == 0 {
		return true // anonymous / nopassword account
	}
	if len(clientResponse) != sha1.Size || len(storedHash) != sha1.Size {
		return false
	}

	// candidateStage1 = clientResponse XOR SHA1(salt + storedHash); a
	// correct client satisfies SHA1(candidateStage1) == storedHash, the
	// same check a real server runs against mysql.user without ever
	// seeing the plaintext password.
	h := sha1.New() //nolint:gosec
	h.Write(salt)
	h.Write(storedHash)
	xorPart := h.Sum(nil)

	candidateStage1 := make([]byte, sha1.Size)
	for i := range candidateStage1 {
		candidateStage1[i] = clientResponse[i] ^ xorPart[i]
	}
	check := sha1.Sum(candidateStage1) //nolint:gosec
	return check == [sha1.Size]byte(storedHash)
}

func (NativePassword) Respond(salt, password []byte) []byte {
	return wire.NativePasswordHash(salt, password)
}
