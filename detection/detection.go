// Package detection decides whether an account looks automated.
package detection

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Profile is what the platform tells us about an account.
type Profile struct {
	UserID    int64
	FirstName string
	LastName  string
	Username  string
	IsBot     bool
}

// DisplayName is the first name, falling back to "User".
func (p Profile) DisplayName() string {
	if name := strings.TrimSpace(p.FirstName); name != "" {
		return name
	}
	return "User"
}

type Verdict struct {
	Flagged bool
	Reason  string
}

// Classifier flags automated accounts. Callers treat an error as not flagged.
type Classifier interface {
	Classify(ctx context.Context, profile Profile) (Verdict, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, profile Profile) (Verdict, error)

func (f ClassifierFunc) Classify(ctx context.Context, profile Profile) (Verdict, error) {
	return f(ctx, profile)
}

// AccountFlag trusts only the platform's own bot flag. It is the join-time
// classifier: a wrong hit there kicks a person before they can answer.
type AccountFlag struct{}

func (AccountFlag) Classify(ctx context.Context, p Profile) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if p.IsBot {
		return Verdict{Flagged: true, Reason: "Confirmed bot via is_bot field"}, nil
	}
	return Verdict{Reason: "Account is not flagged as a bot"}, nil
}

var defaultIndicators = []string{
	"bot",
	"_bot",
	"bothelper",
	"helper",
	"admin",
	"support",
	"service",
	"notify",
	"alert",
	"spam",
	"auto",
	"system",
}

// Heuristic matches keyword and shape patterns on name and handle. It is
// loose enough to hit real people, so it only drives rescans.
type Heuristic struct {
	indicators []string
	// usernames longer than this that contain digits are flagged
	maxDigitUsername int
}

func NewHeuristic(extraIndicators ...string) *Heuristic {
	indicators := append([]string{}, defaultIndicators...)
	for _, ind := range extraIndicators {
		if ind = strings.ToLower(strings.TrimSpace(ind)); ind != "" {
			indicators = append(indicators, ind)
		}
	}
	return &Heuristic{indicators: indicators, maxDigitUsername: 10}
}

func (h *Heuristic) Classify(ctx context.Context, p Profile) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if p.IsBot {
		return Verdict{Flagged: true, Reason: "Confirmed bot via is_bot field"}, nil
	}

	username := strings.ToLower(p.Username)
	firstName := strings.ToLower(p.FirstName)

	for _, ind := range h.indicators {
		if strings.Contains(username, ind) || strings.Contains(firstName, ind) {
			return Verdict{Flagged: true, Reason: fmt.Sprintf("Username/name contains bot indicator: '%s'", ind)}, nil
		}
	}

	if len(username) > h.maxDigitUsername && strings.IndexFunc(username, unicode.IsDigit) >= 0 {
		return Verdict{Flagged: true, Reason: "Username contains numbers and is unusually long"}, nil
	}

	return Verdict{Reason: "No bot indicators found"}, nil
}

var (
	_ Classifier = AccountFlag{}
	_ Classifier = (*Heuristic)(nil)
)
