package models

import (
	"encoding/json"
	"time"
)

type IdempotencyStatus string

const (
	StatusInProgress IdempotencyStatus = "in_progress"
	StatusSuccess    IdempotencyStatus = "success"
	StatusFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord maps a caller-supplied key to the outcome of a transfer
// attempt. A key transitions in_progress -> success|failed exactly once;
// success carries the serialized payment so replays return the original
// response.
type IdempotencyRecord struct {
	Key       string            `json:"key"`
	UserID    int64             `json:"user_id"`
	Status    IdempotencyStatus `json:"status"`
	Response  json.RawMessage   `json:"response,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
