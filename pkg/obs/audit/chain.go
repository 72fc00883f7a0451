package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ChainManager handles the cryptographic chaining of audit events.
type ChainManager struct {
	secretKey []byte
}

func NewChainManager(secretKey []byte) *ChainManager {
	return &ChainManager{secretKey: secretKey}
}

// ComputeHash computes the HMAC-SHA256 hash of the event. PreviousHash
// must already be set; the Hash field itself is excluded from the
// payload.
func (c *ChainManager) ComputeHash(event *Event) (string, error) {
	payload := struct {
		ID           string         `json:"id"`
		Timestamp    string         `json:"timestamp"`
		Action       Action         `json:"action"`
		Result       Result         `json:"result"`
		PluginID     string         `json:"plugin_id,omitempty"`
		SessionID    string         `json:"session_id,omitempty"`
		Detail       map[string]any `json:"detail,omitempty"`
		PreviousHash string         `json:"previous_hash,omitempty"`
	}{
		ID:           event.ID,
		Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:       event.Action,
		Result:       event.Result,
		PluginID:     event.PluginID,
		SessionID:    event.SessionID,
		Detail:       event.Detail,
		PreviousHash: event.PreviousHash,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}

	h := hmac.New(sha256.New, c.secretKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain verifies the integrity of a slice of events in order.
func (c *ChainManager) VerifyChain(events []Event) error {
	for i, event := range events {
		expectedHash, err := c.ComputeHash(&event)
		if err != nil {
			return fmt.Errorf("failed to compute hash for event %s: %w", event.ID, err)
		}
		if event.Hash != expectedHash {
			return fmt.Errorf("hash mismatch for event %s", event.ID)
		}
		if i > 0 && event.PreviousHash != events[i-1].Hash {
			return fmt.Errorf("chain broken at event %s", event.ID)
		}
	}
	return nil
}
