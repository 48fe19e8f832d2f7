// Package identity issues and verifies short-lived, signed tokens that let
// the WebSocket upgrade path confirm a connecting participant matches what
// the Lifecycle surface's Create/Join call already authorized — without
// re-implementing OAuth/JWT issuance, which is an explicit external
// collaborator (out of scope). golang.org/x/crypto stays wired here as a
// keyed MAC over channel-subscription claims instead of password hashes.
package identity

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Issuer mints and verifies channel-subscription tokens under a single
// shared key.
type Issuer struct {
	key []byte
}

// NewIssuer builds an Issuer from a secret key (e.g. from configuration).
func NewIssuer(key []byte) *Issuer {
	return &Issuer{key: key}
}

var errMalformedToken = errors.New("identity: malformed token")
var errSignatureMismatch = errors.New("identity: signature mismatch")
var errExpired = errors.New("identity: token expired")

// Issue produces an opaque token binding conversationID+participantID,
// valid until expiresAt.
func (iss *Issuer) Issue(conversationID, participantID string, expiresAt time.Time) (string, error) {
	claim := fmt.Sprintf("%s|%s|%d", conversationID, participantID, expiresAt.Unix())
	mac, err := iss.mac([]byte(claim))
	if err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString([]byte(claim)) + "." + base64.RawURLEncoding.EncodeToString(mac)
	return token, nil
}

// Verify checks a token's signature and expiry, returning the
// conversation/participant it was issued for.
func (iss *Issuer) Verify(token string) (conversationID, participantID string, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", "", errMalformedToken
	}
	claimBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", errMalformedToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", errMalformedToken
	}

	expected, err := iss.mac(claimBytes)
	if err != nil {
		return "", "", err
	}
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return "", "", errSignatureMismatch
	}

	fields := strings.SplitN(string(claimBytes), "|", 3)
	if len(fields) != 3 {
		return "", "", errMalformedToken
	}
	var expUnix int64
	if _, err := fmt.Sscanf(fields[2], "%d", &expUnix); err != nil {
		return "", "", errMalformedToken
	}
	if time.Now().Unix() > expUnix {
		return "", "", errExpired
	}
	return fields[0], fields[1], nil
}

func (iss *Issuer) mac(data []byte) ([]byte, error) {
	h, err := blake2b.New256(iss.key)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}
