// Package confirm issues and verifies short-lived confirmation tokens for
// risky mutating operations (deploy --apply, rollback, evolve --apply).
// A consumer plans an operation, receives a token bound to that exact
// operation and plan summary, and must echo it back on the follow-up call
// that actually mutates disk; if anything about the plan changed in the
// meantime the token no longer verifies.
package confirm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/liqiongyu/agentpack/internal/usererror"
)

// TTL is how long an issued token remains valid.
const TTL = 15 * time.Minute

// Token is the opaque string a consumer must present on its follow-up call.
type Token string

// nowFunc is overridable in tests; production code always uses the real
// clock.
var nowFunc = time.Now

// RequireApproval returns E_CONFIRM_REQUIRED unless approved is true,
// matching a mutating call's first gate (e.g. a "yes" flag) before a
// confirm token is even considered.
func RequireApproval(approved bool) error {
	if !approved {
		return usererror.New(usererror.CodeConfirmRequired, "this operation requires explicit approval before it will run")
	}
	return nil
}

// Issue derives a token over (op, summary, issued_at) using an HMAC key
// derived from machineSecret via HKDF. summary should be a stable
// serialization of whatever the consumer is asking the caller to approve
// (e.g. a plan's change counts and change list) so that Verify fails if
// the underlying operation changed between issue and verify.
func Issue(machineSecret, op, summary string) (Token, error) {
	issuedAt := nowFunc().UTC().Unix()
	sig, err := sign(machineSecret, op, summary, issuedAt)
	if err != nil {
		return "", err
	}
	raw := strconv.FormatInt(issuedAt, 10) + "." + hex.EncodeToString(sig)
	return Token(base64.RawURLEncoding.EncodeToString([]byte(raw))), nil
}

// Verify checks that token was issued for exactly (op, summary), by the
// holder of machineSecret, and has not exceeded TTL.
func Verify(machineSecret string, token Token, op, summary string) error {
	if strings.TrimSpace(string(token)) == "" {
		return usererror.New(usererror.CodeConfirmTokenRequired, "confirm_token is required to apply this operation")
	}

	raw, err := base64.RawURLEncoding.DecodeString(string(token))
	if err != nil {
		return usererror.New(usererror.CodeConfirmTokenMismatch, "confirm_token is malformed")
	}
	parts := strings.SplitN(string(raw), ".", 2)
	if len(parts) != 2 {
		return usererror.New(usererror.CodeConfirmTokenMismatch, "confirm_token is malformed")
	}
	issuedAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return usererror.New(usererror.CodeConfirmTokenMismatch, "confirm_token is malformed")
	}
	if nowFunc().UTC().Unix()-issuedAt > int64(TTL.Seconds()) {
		return usererror.New(usererror.CodeConfirmTokenExpired, "confirm_token has expired; re-plan and try again")
	}

	expectedSig, err := sign(machineSecret, op, summary, issuedAt)
	if err != nil {
		return err
	}
	actualSig, err := hex.DecodeString(parts[1])
	if err != nil || !hmac.Equal(actualSig, expectedSig) {
		return usererror.New(usererror.CodeConfirmTokenMismatch, "confirm_token does not match the current plan")
	}
	return nil
}

func sign(secret, op, summary string, issuedAt int64) ([]byte, error) {
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("agentpack-confirm-token"))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive confirm signing key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(op))
	mac.Write([]byte{0})
	mac.Write([]byte(summary))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(issuedAt, 10)))
	return mac.Sum(nil), nil
}
