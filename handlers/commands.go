package handlers

import (
	"context"
	"fmt"
	"strings"

	"captcha-gatekeeper/apperrors"
	"captcha-gatekeeper/reconcile"

	"github.com/rs/zerolog"
)

const (
	bannedHeader      = "🚫 Banned Users List:\n\n"
	bannedContinued   = "🚫 Banned Users List (continued):\n\n"
	scanHeader        = "📊 USER SCAN RESULTS\n\n"
	scanContinued     = "📊 USER SCAN RESULTS (continued)\n\n"
	maxListedDetected = 10
)

func isCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// commandName returns "banned" for "/Banned@my_bot extra".
func commandName(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name)
}

func (h *BotHandler) handleCommand(ctx context.Context, m Message) error {
	switch commandName(m.Text) {
	case "banned", "listbanned":
		return h.withAdmin(ctx, m, h.handleListBanned)
	case "stats":
		return h.withAdmin(ctx, m, h.handleStats)
	case "scanusers":
		if h.scanner == nil {
			return nil
		}
		return h.withAdmin(ctx, m, h.handleScanUsers)
	default:
		return nil
	}
}

type commandFunc func(ctx context.Context, log zerolog.Logger, m Message, admins []Admin) error

// withAdmin runs fn only for administrators of the originating chat. The
// check happens before any store access.
func (h *BotHandler) withAdmin(ctx context.Context, m Message, fn commandFunc) error {
	log := h.eventLog(m).With().Str("command", commandName(m.Text)).Logger()

	admins, err := h.platform.ListAdmins(ctx, m.ChatID)
	if err != nil {
		return h.commandFailed(ctx, log, m.ChatID, err)
	}
	if !containsAdmin(admins, m.User.UserID) {
		log.Info().Msg("non-admin command rejected")
		return h.platform.SendMessage(ctx, m.ChatID, h.messages.AdminOnly)
	}

	if err := fn(ctx, log, m, admins); err != nil {
		return h.commandFailed(ctx, log, m.ChatID, err)
	}
	return nil
}

// commandFailed stays silent for transient failures, which are retried by
// redelivery, and tells the chat about anything else.
func (h *BotHandler) commandFailed(ctx context.Context, log zerolog.Logger, chatID int64, err error) error {
	if apperrors.IsTransient(err) {
		return err
	}
	log.Error().Err(err).Msg("command failed")
	if sendErr := h.platform.SendMessage(ctx, chatID, h.messages.CommandUnavailable); sendErr != nil {
		return sendErr
	}
	return nil
}

func containsAdmin(admins []Admin, userID int64) bool {
	for _, a := range admins {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

func (h *BotHandler) sendAll(ctx context.Context, chatID int64, chunks []string) error {
	for _, chunk := range chunks {
		if err := h.platform.SendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (h *BotHandler) handleListBanned(ctx context.Context, log zerolog.Logger, m Message, _ []Admin) error {
	users, err := h.store.ListBlocked(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return h.platform.SendMessage(ctx, m.ChatID, h.messages.NoBanned)
	}

	lines := make([]string, 0, len(users))
	for i, u := range users {
		handle := "no_username"
		if u.Username != "" {
			handle = "@" + u.Username
		}
		lines = append(lines, fmt.Sprintf("%d. %s (%s)\n   ID: %d\n   Banned: %s\n\n",
			i+1, u.Name, handle, u.ID, u.CreatedAt.UTC().Format("2006-01-02 15:04:05")))
	}

	chunks := Paginate(bannedHeader, bannedContinued, lines)
	log.Info().Int("blocked", len(users)).Int("messages", len(chunks)).Msg("listing banned users")
	return h.sendAll(ctx, m.ChatID, chunks)
}

func (h *BotHandler) handleStats(ctx context.Context, _ zerolog.Logger, m Message, _ []Admin) error {
	c, err := h.store.Counts(ctx)
	if err != nil {
		return err
	}
	return h.platform.SendMessage(ctx, m.ChatID, fmt.Sprintf(
		"📊 Database stats\n\n✅ Verified: %d\n⏳ Pending: %d\n🚫 Blocked: %d\n🧩 Open challenges: %d",
		c.Verified, c.Pending, c.Blocked, c.PendingChallenges))
}

func (h *BotHandler) handleScanUsers(ctx context.Context, _ zerolog.Logger, m Message, admins []Admin) error {
	if err := h.platform.SendMessage(ctx, m.ChatID, "🔍 Starting user scan for bots..."); err != nil {
		return err
	}

	skip := make([]int64, 0, len(admins))
	for _, a := range admins {
		skip = append(skip, a.UserID)
	}
	report, err := h.scanner.Run(ctx, reconcile.Options{SkipIDs: skip})
	if err != nil {
		return err
	}
	return h.sendAll(ctx, m.ChatID, Paginate(scanHeader, scanContinued, scanReportLines(report)))
}

func scanReportLines(r reconcile.Report) []string {
	lines := []string{
		fmt.Sprintf("📈 Total users scanned: %d\n", r.Scanned),
		fmt.Sprintf("🤖 New bots detected: %d\n", len(r.Detected)),
		fmt.Sprintf("❌ API errors: %d\n", r.APIErrors),
		fmt.Sprintf("👑 Skipped: %d\n\n", r.Skipped),
	}
	if len(r.Detected) == 0 {
		lines = append(lines, "✅ No new bots detected!\n")
	} else {
		lines = append(lines, "🚨 DETECTED BOTS:\n")
		for i, d := range r.Detected {
			if i == maxListedDetected {
				lines = append(lines, fmt.Sprintf("\n... and %d more bots detected\n", len(r.Detected)-maxListedDetected))
				break
			}
			handle := "no_username"
			if d.Username != "" {
				handle = "@" + d.Username
			}
			lines = append(lines, fmt.Sprintf("%d. %s (%s)\n   Reason: %s\n", i+1, d.Name, handle, d.Reason))
		}
	}
	return append(lines, "\n✅ Scan complete! Database updated.")
}
