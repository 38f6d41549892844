package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// IdempotencyKey derives the content-addressed cache key for one step:
// "idem_" plus the first 32 hex chars of SHA-256 over the stable JSON form
// of the keyed fields. Stable JSON means sorted keys and compact
// separators, so semantically equal args always produce the same key.
func IdempotencyKey(tenantID, runID, stepID, actionID string, args map[string]any) string {
	payload := map[string]any{
		"tenant_id": tenantID,
		"run_id":    runID,
		"step_id":   stepID,
		"action_id": actionID,
		"args":      args,
	}
	// encoding/json sorts map keys and emits compact output by default.
	body, err := json.Marshal(payload)
	if err != nil {
		// Args come from decoded JSON, so this cannot fire in practice.
		body = []byte(tenantID + runID + stepID + actionID)
	}
	sum := sha256.Sum256(body)
	return "idem_" + hex.EncodeToString(sum[:])[:32]
}
