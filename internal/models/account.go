package models

// Account holds a single integer minor-unit balance. The balance is never
// allowed to go negative.
type Account struct {
	ID      int64 `json:"id"`
	Balance int64 `json:"balance"`
}
