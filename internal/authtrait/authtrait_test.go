package authtrait

import (
	"crypto/sha1" //nolint:gosec
	"testing"

	"github.com/dbproxy/mxcore/internal/wire"
)

func TestNativePasswordVerifyAcceptsCorrectPassword(t *testing.T) {
	salt := []byte("0123456789012345678")
	password := []byte("s3cret")

	stage1 := sha1.Sum(password) //nolint:gosec
	stage2 := sha1.Sum(stage1[:]) //nolint:gosec

	var np NativePassword
	clientResponse := wire.NativePasswordHash(salt, password)

	if !np.Verify(salt, clientResponse, stage2[:]) {
		t.Fatal("expected correct password to verify")
	}
}

func TestNativePasswordVerifyRejectsWrongPassword(t *testing.T) {
	salt := []byte("0123456789012345678")
	stage1 := sha1.Sum([]byte("correct")) //nolint:gosec
	stage2 := sha1.Sum(stage1[:])          //nolint:gosec

	var np NativePassword
	wrongResponse := wire.NativePasswordHash(salt, []byte("wrong"))

	if np.Verify(salt, wrongResponse, stage2[:]) {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestNativePasswordVerifyAnonymousAccount(t *testing.T) {
	var np NativePassword
	if !np.Verify([]byte("salt"), nil, nil) {
		t.Fatal("expected empty response and empty stored hash to verify (no-password account)")
	}
}
