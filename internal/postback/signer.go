package postback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// Signer computes HMAC-SHA256 digests with the key selected by the
// public key index captured at init.
type Signer struct {
	keys [][]byte
}

func NewSigner(keys []string) (*Signer, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("postback signer needs at least one key")
	}
	s := &Signer{keys: make([][]byte, len(keys))}
	for i, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("postback signing key %d is empty", i)
		}
		s.keys[i] = []byte(k)
	}
	return s, nil
}

// HasKey reports whether index selects a configured key.
func (s *Signer) HasKey(index int) bool { return index >= 0 && index < len(s.keys) }

func (s *Signer) key(index int) ([]byte, error) {
	if !s.HasKey(index) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown public key index %d", index))
	}
	return s.keys[index], nil
}

func (s *Signer) mac(index int, msg []byte) (string, error) {
	key, err := s.key(index)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sign signs the canonical JSON encoding of p.
func (s *Signer) Sign(index int, p Payload) (SignedPayload, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("encode postback payload: %w", err)
	}
	digest, err := s.mac(index, raw)
	if err != nil {
		return SignedPayload{}, err
	}
	return SignedPayload{Payload: p, Digest: digest, KeyIndex: index}, nil
}

// Verify reports whether sp carries a valid digest.
func (s *Signer) Verify(sp SignedPayload) bool {
	want, err := s.Sign(sp.KeyIndex, sp.Payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want.Digest), []byte(sp.Digest))
}

// RedirectDigest signs the parameters appended to the client redirect. The
// message is the form encoding of sessionId, state and success, which sorts
// keys.
func (s *Signer) RedirectDigest(index int, sid domain.SessionID, state domain.State, success bool) (string, error) {
	return s.mac(index, []byte(RedirectParams(sid, state, success).Encode()))
}

// RedirectParams are the unsigned redirect parameters.
func RedirectParams(sid domain.SessionID, state domain.State, success bool) url.Values {
	return url.Values{
		"sessionId": {sid.String()},
		"state":     {string(state)},
		"success":   {strconv.FormatBool(success)},
	}
}
