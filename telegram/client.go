// Package telegram adapts the Bot API to the handlers.Platform and
// poller.Feed interfaces.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"captcha-gatekeeper/apperrors"
	"captcha-gatekeeper/detection"
	"captcha-gatekeeper/handlers"
	"captcha-gatekeeper/poller"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Client wraps a BotAPI. Every call is bounded by the request timeout; long
// polls get the poll timeout on top.
type Client struct {
	bot            *tgbotapi.BotAPI
	requestTimeout time.Duration
	log            zerolog.Logger
}

type Options struct {
	Token string
	// Endpoint is a format string taking token and method, as tgbotapi expects.
	Endpoint       string
	RequestTimeout time.Duration
	PollTimeout    time.Duration
	Debug          bool
}

// New authorizes the bot (getMe) and returns a ready client.
func New(opts Options, log zerolog.Logger) (*Client, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: opts.RequestTimeout + opts.PollTimeout}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, opts.Endpoint, httpClient)
	if err != nil {
		return nil, classify("getMe", err)
	}
	bot.Debug = opts.Debug

	log.Info().Str("username", bot.Self.UserName).Int64("bot_id", bot.Self.ID).Msg("Authorized on account")
	return &Client{bot: bot, requestTimeout: opts.RequestTimeout, log: log}, nil
}

// Self is the bot's own account as returned by getMe.
func (c *Client) Self() detection.Profile {
	return toProfile(c.bot.Self)
}

// SetCommands registers the command menu.
func (c *Client) SetCommands(ctx context.Context, commands ...tgbotapi.BotCommand) error {
	return c.request(ctx, "setMyCommands", tgbotapi.NewSetMyCommands(commands...))
}

// call runs fn in a goroutine so ctx can abandon a request tgbotapi cannot
// cancel itself. The abandoned request ends with the HTTP client timeout.
func call[T any](ctx context.Context, timeout time.Duration, op string, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%s: %w", op, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return r.v, classify(op, r.err)
		}
		return r.v, nil
	}
}

func (c *Client) request(ctx context.Context, op string, chattable tgbotapi.Chattable) error {
	_, err := call(ctx, c.requestTimeout, op, func() (*tgbotapi.APIResponse, error) {
		return c.bot.Request(chattable)
	})
	return err
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := call(ctx, c.requestTimeout, "sendMessage", func() (tgbotapi.Message, error) {
		return c.bot.Send(msg)
	})
	return err
}

// Restrict removes every send permission.
func (c *Client) Restrict(ctx context.Context, chatID, userID int64) error {
	return c.request(ctx, "restrictChatMember", tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		Permissions:      &tgbotapi.ChatPermissions{},
	})
}

// Unrestrict restores the default member permissions.
func (c *Client) Unrestrict(ctx context.Context, chatID, userID int64) error {
	return c.request(ctx, "restrictChatMember", tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		Permissions: &tgbotapi.ChatPermissions{
			CanSendMessages:       true,
			CanSendMediaMessages:  true,
			CanSendPolls:          true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
			CanInviteUsers:        true,
		},
	})
}

// Kick bans and immediately unbans, so the account is removed but may be
// screened again if it rejoins.
func (c *Client) Kick(ctx context.Context, chatID, userID int64) error {
	member := tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID}
	if err := c.request(ctx, "banChatMember", tgbotapi.BanChatMemberConfig{ChatMemberConfig: member}); err != nil {
		return err
	}
	return c.request(ctx, "unbanChatMember", tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: member, OnlyIfBanned: true})
}

func (c *Client) ListAdmins(ctx context.Context, chatID int64) ([]handlers.Admin, error) {
	members, err := call(ctx, c.requestTimeout, "getChatAdministrators", func() ([]tgbotapi.ChatMember, error) {
		return c.bot.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
			ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		})
	})
	if err != nil {
		return nil, err
	}
	admins := make([]handlers.Admin, 0, len(members))
	for _, m := range members {
		if m.User == nil {
			continue
		}
		admins = append(admins, handlers.Admin{UserID: m.User.ID, IsAutomated: m.User.IsBot})
	}
	return admins, nil
}

// UserProfile looks the user up through getChat, which only works for users
// who have talked to the bot or share a chat with it.
func (c *Client) UserProfile(ctx context.Context, userID int64) (detection.Profile, error) {
	chat, err := call(ctx, c.requestTimeout, "getChat", func() (tgbotapi.Chat, error) {
		return c.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: userID}})
	})
	if err != nil {
		return detection.Profile{}, err
	}
	return detection.Profile{
		UserID:    chat.ID,
		FirstName: chat.FirstName,
		LastName:  chat.LastName,
		Username:  chat.UserName,
	}, nil
}

// Fetch long-polls getUpdates from offset and decodes the updates once.
func (c *Client) Fetch(ctx context.Context, offset int, timeout time.Duration) (poller.Batch, error) {
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = int(timeout.Seconds())
	cfg.AllowedUpdates = []string{"message"}

	updates, err := call(ctx, c.requestTimeout+timeout, "getUpdates", func() ([]tgbotapi.Update, error) {
		return c.bot.GetUpdates(cfg)
	})
	if err != nil {
		return poller.Batch{}, err
	}
	return Decode(updates), nil
}

// classify maps Bot API failures onto the retry taxonomy: 429, 5xx and
// network errors are transient, other API errors are permanent.
func classify(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return apperrors.NewRateLimitError(op, time.Duration(apiErr.RetryAfter)*time.Second, err)
		case apiErr.Code >= http.StatusInternalServerError:
			return apperrors.NewTelegramError(op, err, true)
		default:
			return apperrors.NewTelegramError(op, err, false).WithDetail("status", apiErr.Code)
		}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return apperrors.NewTelegramError(op, err, true)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Undecodable responses usually come from a proxy in front of the API.
	return apperrors.NewTelegramError(op, err, true)
}

var (
	_ handlers.Platform = (*Client)(nil)
	_ poller.Feed       = (*Client)(nil)
)
