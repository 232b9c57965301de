package wire

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mysql_native_password is SHA-1 by protocol spec, not our choice
)

// ServerVersion is advertised in the initial handshake greeting.
var ServerVersion = []byte("8.0.34-mxcore")

// GenerateSalt returns a 20-byte authentication salt with no embedded
// null bytes (a null byte would truncate the client's null-terminated
// read of it).
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	for i := range salt {
		if salt[i] == 0 {
			salt[i] = 'a'
		}
	}
	return salt, nil
}

// NativePasswordHash computes the mysql_native_password scramble:
// SHA1(password) XOR SHA1(salt + SHA1(SHA1(password))).
func NativePasswordHash(salt, password []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	stage1 := sha1.Sum(password) //nolint:gosec
	stage2 := sha1.Sum(stage1[:]) //nolint:gosec

	h := sha1.New() //nolint:gosec
	h.Write(salt)
	h.Write(stage2[:])
	scramble := h.Sum(nil)

	out := make([]byte, len(scramble))
	for i := range scramble {
		out[i] = scramble[i] ^ stage1[i]
	}
	return out
}
