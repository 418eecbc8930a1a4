package license

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "repserver/internal/errors"
)

// CodePrefix is the transport prefix of every license code.
const CodePrefix = "REP-"

// Payload is the signed content of a license code. Field order matches the
// sorted-key JSON encoding of the wire format; do not reorder.
type Payload struct {
	CustomerEmail  string `json:"cemail"`
	CustomerName   string `json:"cname"`
	IssuedAt       string `json:"iat"`
	LicenseID      string `json:"lid"`
	LicenseType    string `json:"ltype"`
	MaxActivations uint   `json:"maxact"`
	ValidFrom      string `json:"vfrom"`
	ValidUntil     string `json:"vuntil"`
}

// envelope wraps the base64 payload and signature together with a format
// version for future evolution.
type envelope struct {
	P string `json:"p"`
	S string `json:"s"`
	V int    `json:"v"`
}

// pssOptions selects maximum-length salt, matching the issuer contract.
var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}

// Sign encodes the payload as compact JSON, signs it with RSA-PSS-SHA256 and
// returns the REP-prefixed transport form. The PSS salt is random, so equal
// payloads produce differing codes.
func Sign(payload Payload, priv *rsa.PrivateKey) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode license payload: %w", err)
	}

	digest := sha256.Sum256(payloadBytes)
	signature, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return "", fmt.Errorf("failed to sign license payload: %w", err)
	}

	env := envelope{
		P: base64.StdEncoding.EncodeToString(payloadBytes),
		S: base64.StdEncoding.EncodeToString(signature),
		V: 1,
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode license envelope: %w", err)
	}
	envB64 := base64.StdEncoding.EncodeToString(envJSON)

	return CodePrefix + checksumPrefix(envB64) + "-" + envB64, nil
}

// checksumPrefix returns the advisory 8-hex-char uppercase checksum of the
// envelope. It guards against transcription errors only; verification never
// trusts it.
func checksumPrefix(envB64 string) string {
	sum := sha256.Sum256([]byte(envB64))
	return strings.ToUpper(fmt.Sprintf("%x", sum))[:8]
}

// Verify checks a license code against the public key and returns the decoded
// payload. Expiry and not-yet-valid are evaluated at now. Any decoding or
// signature fault collapses to ErrMalformedCode.
func Verify(code string, pub *rsa.PublicKey, now time.Time) (*Payload, error) {
	envB64 := stripPrefix(strings.TrimSpace(code))

	envJSON, err := base64.StdEncoding.DecodeString(envB64)
	if err != nil {
		return nil, apperrors.ErrMalformedCode
	}

	var env envelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		return nil, apperrors.ErrMalformedCode
	}

	payloadBytes, err := base64.StdEncoding.DecodeString(env.P)
	if err != nil {
		return nil, apperrors.ErrMalformedCode
	}
	signature, err := base64.StdEncoding.DecodeString(env.S)
	if err != nil {
		return nil, apperrors.ErrMalformedCode
	}

	digest := sha256.Sum256(payloadBytes)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, pssOptions); err != nil {
		return nil, apperrors.ErrMalformedCode
	}

	var payload Payload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, apperrors.ErrMalformedCode
	}

	validUntil, err := time.Parse(time.RFC3339, payload.ValidUntil)
	if err != nil {
		return nil, apperrors.ErrMalformedCode
	}
	if now.After(validUntil) {
		return &payload, apperrors.ErrLicenseExpired
	}

	validFrom, err := time.Parse(time.RFC3339, payload.ValidFrom)
	if err != nil {
		return nil, apperrors.ErrMalformedCode
	}
	if now.Before(validFrom) {
		return &payload, apperrors.ErrLicenseNotYetValid
	}

	return &payload, nil
}

// stripPrefix removes the REP-<CHK>- transport prefix when present. The
// checksum is advisory and deliberately not compared.
func stripPrefix(code string) string {
	if !strings.HasPrefix(code, CodePrefix) {
		return code
	}
	parts := strings.SplitN(code, "-", 3)
	if len(parts) < 3 {
		return code
	}
	return parts[2]
}
