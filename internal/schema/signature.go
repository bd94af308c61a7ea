package schema

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingSignature  = errors.New("missing signature")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// SignPayload computes the hex HMAC-SHA256 of the canonical form of payload
// (with any "sig" field removed) under the device key.
func SignPayload(deviceKey string, payload []byte) (string, error) {
	canonical, err := canonicalWithoutSig(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(deviceKey))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyPayload recomputes the signature over payload-without-sig and compares
// it against the embedded "sig" field in constant time.
func VerifyPayload(deviceKey string, payload []byte) error {
	var envelope struct {
		Sig string `json:"sig"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	if envelope.Sig == "" {
		return ErrMissingSignature
	}

	want, err := SignPayload(deviceKey, payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(envelope.Sig)) {
		return ErrSignatureMismatch
	}
	return nil
}

func canonicalWithoutSig(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	delete(m, "sig")

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
