package models

import "time"

// Payment is an immutable record of a completed transfer. CreatedAt is
// assigned by the database at insert time.
type Payment struct {
	ID        int64     `json:"id"`
	FromID    int64     `json:"from_id"`
	ToID      int64     `json:"to_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}
