package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"captcha-gatekeeper/config"
	"captcha-gatekeeper/database"
	"captcha-gatekeeper/detection"
	"captcha-gatekeeper/reconcile"

	"github.com/rs/zerolog"
)

// Scanner runs an on-demand rescan for /scanusers.
type Scanner interface {
	Run(ctx context.Context, opts reconcile.Options) (reconcile.Report, error)
}

// Deps are the collaborators of a BotHandler. Scanner is optional.
type Deps struct {
	Platform Platform
	Store    database.Store
	// Classifier runs on joins and defaults to detection.AccountFlag.
	Classifier detection.Classifier
	Challenges ChallengeGenerator
	Scanner    Scanner
	Messages   config.Messages
	// SelfID is the bot's own user id; its events are ignored.
	SelfID int64
	// AdminChatID optionally receives a copy of every bot alert.
	AdminChatID int64
	Log         zerolog.Logger
}

// BotHandler is the member lifecycle state machine. Events must be handed to
// it one at a time; every transition is safe to apply twice.
type BotHandler struct {
	platform    Platform
	store       database.Store
	classifier  detection.Classifier
	challenges  ChallengeGenerator
	scanner     Scanner
	messages    config.Messages
	selfID      int64
	adminChatID int64
	log         zerolog.Logger
}

func NewBotHandler(d Deps) *BotHandler {
	if d.Classifier == nil {
		d.Classifier = detection.AccountFlag{}
	}
	if d.Challenges == nil {
		d.Challenges = NewMathChallenge(d.Messages.CaptchaQuestion)
	}
	return &BotHandler{
		platform:    d.Platform,
		store:       d.Store,
		classifier:  d.Classifier,
		challenges:  d.Challenges,
		scanner:     d.Scanner,
		messages:    d.Messages,
		selfID:      d.SelfID,
		adminChatID: d.AdminChatID,
		log:         d.Log,
	}
}

// HandleEvent applies one event. A returned error leaves the event to be
// redelivered (transient) or skipped (permanent) by the caller.
func (h *BotHandler) HandleEvent(ctx context.Context, ev Event) error {
	if ev.Sender().UserID == h.selfID {
		return nil
	}

	switch e := ev.(type) {
	case Join:
		return h.handleJoin(ctx, e)
	case Leave:
		return h.handleLeave(ctx, e)
	case Message:
		return h.handleMessage(ctx, e)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

func (h *BotHandler) eventLog(ev Event) zerolog.Logger {
	return h.log.With().
		Int("event_id", ev.EventID()).
		Int64("chat_id", ev.Chat()).
		Int64("user_id", ev.Sender().UserID).
		Logger()
}

// classify fails open: detector errors count as not flagged.
func (h *BotHandler) classify(ctx context.Context, log zerolog.Logger, p detection.Profile) detection.Verdict {
	verdict, err := h.classifier.Classify(ctx, p)
	if err != nil {
		log.Warn().Err(err).Msg("automation detection failed, treating as human")
		return detection.Verdict{Reason: "detection failed"}
	}
	return verdict
}

func (h *BotHandler) handleJoin(ctx context.Context, e Join) error {
	log := h.eventLog(e)
	name := e.User.DisplayName()

	if verdict := h.classify(ctx, log, e.User); verdict.Flagged {
		return h.handleAutomated(ctx, log, e, verdict)
	}

	verified, err := h.store.IsVerified(ctx, e.User.UserID)
	if err != nil {
		return err
	}
	if verified {
		log.Debug().Msg("verified member rejoined, skipping restriction")
		return nil
	}

	pending, err := h.store.GetPending(ctx, e.User.UserID)
	if err != nil {
		return err
	}
	if pending != nil {
		// A redelivered join may follow a restrict that never happened.
		if err := h.platform.Restrict(ctx, e.ChatID, e.User.UserID); err != nil {
			return err
		}
		log.Info().Msg("member already pending, repeating question")
		return h.platform.SendMessage(ctx, e.ChatID, h.welcomeText(name, pending.Question))
	}

	challenge := h.challenges.Generate()
	// Record Pending before restricting so a restriction never exists
	// without its challenge.
	if err := h.store.AddPending(ctx, e.User.UserID, e.ChatID, name, challenge.Question, challenge.Answer); err != nil {
		return err
	}
	if err := h.platform.Restrict(ctx, e.ChatID, e.User.UserID); err != nil {
		return err
	}
	log.Info().Msg("new member restricted pending verification")
	return h.platform.SendMessage(ctx, e.ChatID, h.welcomeText(name, challenge.Question))
}

func (h *BotHandler) handleAutomated(ctx context.Context, log zerolog.Logger, e Join, verdict detection.Verdict) error {
	blocked, err := h.store.IsBlocked(ctx, e.User.UserID)
	if err != nil {
		return err
	}
	if blocked {
		log.Debug().Msg("automated account already blocked")
		return nil
	}

	if err := h.platform.Restrict(ctx, e.ChatID, e.User.UserID); err != nil {
		return err
	}
	if err := h.platform.Kick(ctx, e.ChatID, e.User.UserID); err != nil {
		return err
	}
	chatID := e.ChatID
	if err := h.store.UpsertUser(ctx, database.UserParams{
		ID:       e.User.UserID,
		Name:     e.User.DisplayName(),
		Status:   database.StatusBlocked,
		Username: e.User.Username,
		ChatID:   &chatID,
	}); err != nil {
		return err
	}
	log.Warn().Str("reason", verdict.Reason).Msg("automated account blocked")

	values := h.profileValues(e.User)
	if err := h.platform.SendMessage(ctx, e.ChatID, config.Render(h.messages.BotDetected, values)); err != nil {
		log.Error().Err(err).Msg("failed to send bot detection notice")
	}
	h.notifyAdmins(ctx, log, e.ChatID, config.Render(h.messages.BotAdminAlert, values))
	return nil
}

// notifyAdmins messages every human admin privately. Admins who never opened
// a private chat with the bot cannot be reached; failures are only logged.
func (h *BotHandler) notifyAdmins(ctx context.Context, log zerolog.Logger, chatID int64, text string) {
	if h.adminChatID != 0 {
		if err := h.platform.SendMessage(ctx, h.adminChatID, text); err != nil {
			log.Error().Err(err).Int64("admin_chat_id", h.adminChatID).Msg("failed to alert admin chat")
		}
	}

	admins, err := h.platform.ListAdmins(ctx, chatID)
	if err != nil {
		log.Error().Err(err).Msg("failed to list admins for alert")
		return
	}
	for _, admin := range admins {
		if admin.IsAutomated || admin.UserID == h.selfID {
			continue
		}
		if err := h.platform.SendMessage(ctx, admin.UserID, text); err != nil {
			log.Warn().Err(err).Int64("admin_id", admin.UserID).Msg("failed to alert admin")
		}
	}
}

func (h *BotHandler) handleLeave(ctx context.Context, e Leave) error {
	if err := h.store.RemovePending(ctx, e.User.UserID); err != nil {
		return err
	}
	if err := h.store.RemoveUserIfBlocked(ctx, e.User.UserID); err != nil {
		return err
	}
	log := h.eventLog(e)
	log.Debug().Msg("member left")
	return nil
}

func (h *BotHandler) handleMessage(ctx context.Context, e Message) error {
	// Automated accounts cannot answer challenges.
	if e.User.IsBot {
		return nil
	}
	if isCommand(e.Text) {
		return h.handleCommand(ctx, e)
	}

	pending, err := h.store.GetPending(ctx, e.User.UserID)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}
	// Answers count in the challenge chat or in a private chat with the bot.
	if e.ChatID != pending.ChatID && e.ChatID != e.User.UserID {
		return nil
	}

	log := h.eventLog(e)
	if !CheckAnswer(e.Text, pending.Answer) {
		log.Info().Msg("wrong captcha answer")
		return h.platform.SendMessage(ctx, e.ChatID,
			config.Render(h.messages.WrongAnswer, map[string]string{"question": pending.Question}))
	}

	if err := h.platform.Unrestrict(ctx, pending.ChatID, e.User.UserID); err != nil {
		return err
	}
	if err := h.store.ResolvePendingSuccess(ctx, e.User.UserID, pending.UserName); err != nil {
		if !errors.Is(err, database.ErrNotPending) {
			return err
		}
		return h.answerAfterStateChange(ctx, log, pending.ChatID, e.User.UserID)
	}
	log.Info().Msg("member verified")
	return h.platform.SendMessage(ctx, e.ChatID,
		config.Render(h.messages.Success, map[string]string{"user_name": pending.UserName}))
}

// answerAfterStateChange handles a correct answer whose challenge was
// closed by someone else after it was read. A user blocked in the meantime
// gets the restriction back; anyone else is left as they are.
func (h *BotHandler) answerAfterStateChange(ctx context.Context, log zerolog.Logger, chatID, userID int64) error {
	blocked, err := h.store.IsBlocked(ctx, userID)
	if err != nil {
		return err
	}
	if !blocked {
		log.Info().Msg("challenge closed before answer, ignoring")
		return nil
	}
	log.Warn().Msg("answer from user blocked meanwhile, restricting again")
	return h.platform.Restrict(ctx, chatID, userID)
}

func (h *BotHandler) welcomeText(name, question string) string {
	return config.Render(h.messages.Welcome, map[string]string{
		"user_name": name,
		"question":  question,
	})
}

func (h *BotHandler) profileValues(p detection.Profile) map[string]string {
	username := p.Username
	if username == "" {
		username = "no_username"
	}
	return map[string]string{
		"user_name": p.DisplayName(),
		"username":  username,
		"user_id":   strconv.FormatInt(p.UserID, 10),
	}
}
