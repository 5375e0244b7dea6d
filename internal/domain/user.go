package domain

import (
	"time"
)

// User represents an identified caller and their daily usage allowance.
type User struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	DailyCredits int       `json:"daily_credits"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Balance is a user's credit position for the current day.
type Balance struct {
	UserID         string `json:"user_id"`
	Day            string `json:"day"`
	DailyLimit     int    `json:"daily_limit"`
	UsedToday      int    `json:"used_today"`
	RemainingToday int    `json:"remaining_today"`
}

// CreditDay returns the ledger bucket for t (UTC calendar day).
func CreditDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewBalance derives the remaining allowance, never below zero.
func NewBalance(userID, day string, limit, used int) Balance {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Balance{
		UserID:         userID,
		Day:            day,
		DailyLimit:     limit,
		UsedToday:      used,
		RemainingToday: remaining,
	}
}
