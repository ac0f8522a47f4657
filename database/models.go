package database

import (
	"fmt"
	"time"
)

// Status is the authoritative trust state of a user.
type Status string

const (
	StatusVerified Status = "verified"
	StatusPending  Status = "pending"
	StatusBlocked  Status = "blocked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusVerified, StatusPending, StatusBlocked:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// User model
type User struct {
	ID        int64
	Name      string
	Username  string // empty when the account has no handle
	Status    Status
	ChatID    *int64 // chat where first seen
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingChallenge is the outstanding captcha of a pending user.
type PendingChallenge struct {
	UserID    int64
	ChatID    int64
	UserName  string
	Question  string
	Answer    string
	CreatedAt time.Time
}

// UserParams describes an upsert.
type UserParams struct {
	ID       int64
	Name     string
	Status   Status
	Username string
	ChatID   *int64
}

type Counts struct {
	Verified          int
	Pending           int
	Blocked           int
	PendingChallenges int
}
