package handlers

import (
	"math/rand/v2"
	"strconv"
	"strings"

	"captcha-gatekeeper/config"
)

type Challenge struct {
	Question string
	Answer   string
}

// ChallengeGenerator returns a fresh challenge on every call.
type ChallengeGenerator interface {
	Generate() Challenge
}

// MathChallenge asks for the sum of two integers in [1,10].
type MathChallenge struct {
	template string
	intN     func(n int) int
}

// NewMathChallenge uses a question template with {a} and {b} placeholders.
func NewMathChallenge(template string) *MathChallenge {
	if strings.TrimSpace(template) == "" {
		template = "What is {a} + {b}?"
	}
	return &MathChallenge{template: template, intN: rand.IntN}
}

func (m *MathChallenge) Generate() Challenge {
	a, b := m.intN(10)+1, m.intN(10)+1
	return Challenge{
		Question: config.Render(m.template, map[string]string{
			"a": strconv.Itoa(a),
			"b": strconv.Itoa(b),
		}),
		Answer: strconv.Itoa(a + b),
	}
}

// CheckAnswer compares the reply to the expected answer as trimmed strings.
// There is no numeric parsing: "07" or "seven" do not match "7".
func CheckAnswer(reply, expected string) bool {
	return strings.TrimSpace(reply) == strings.TrimSpace(expected)
}
