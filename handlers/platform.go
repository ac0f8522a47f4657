package handlers

import (
	"context"

	"captcha-gatekeeper/detection"
)

// Admin is one administrator of a chat.
type Admin struct {
	UserID      int64
	IsAutomated bool
}

// Platform is the set of chat actions the bot performs. Restrict, Unrestrict
// and Kick must be harmless when repeated.
type Platform interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	Restrict(ctx context.Context, chatID, userID int64) error
	Unrestrict(ctx context.Context, chatID, userID int64) error
	Kick(ctx context.Context, chatID, userID int64) error
	ListAdmins(ctx context.Context, chatID int64) ([]Admin, error)
	UserProfile(ctx context.Context, userID int64) (detection.Profile, error)
}
