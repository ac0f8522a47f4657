package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Messages holds the user-facing templates. Placeholders: {user_name},
// {username}, {user_id}, {question}, {a}, {b}.
type Messages struct {
	Welcome            string `yaml:"welcome" env:"WELCOME_MESSAGE" envDefault:"Welcome {user_name}! 🤖\n\nTo prove you are human, please answer this question:\n{question}\n\nReply with the number only. You are restricted until you answer."`
	CaptchaQuestion    string `yaml:"captcha_question" env:"CAPTCHA_QUESTION" envDefault:"What is {a} + {b}? (reply with the number only)"`
	Success            string `yaml:"success" env:"SUCCESS_MESSAGE" envDefault:"✅ Verification passed! Welcome to the chat, {user_name}!"`
	WrongAnswer        string `yaml:"wrong_answer" env:"ERROR_MESSAGE" envDefault:"❌ Wrong answer. Please try again.\n{question}"`
	BotDetected        string `yaml:"bot_detected" env:"BOT_DETECTED_MESSAGE" envDefault:"🚫 Bot detected: {user_name} (@{username}). Bots are not allowed in this group and were removed automatically."`
	BotAdminAlert      string `yaml:"bot_admin_alert" env:"BOT_ADMIN_NOTIFICATION" envDefault:"⚠️ ALERT: bot detected and blocked\n\nUser: {user_name}\nUsername: @{username}\nID: {user_id}\n\nThe account was restricted and removed automatically."`
	AdminOnly          string `yaml:"admin_only" env:"ADMIN_ONLY_MESSAGE" envDefault:"❌ Only administrators can use this command."`
	NoBanned           string `yaml:"no_banned" env:"NO_BANNED_MESSAGE" envDefault:"✅ No banned users found."`
	CommandUnavailable string `yaml:"command_unavailable" env:"COMMAND_UNAVAILABLE_MESSAGE" envDefault:"⚠️ This command failed, please try again later."`
}

type Config struct {
	BotToken            string        `env:"BOT_TOKEN,required"`
	TelegramAPIEndpoint string        `env:"TELEGRAM_API_ENDPOINT" envDefault:"https://api.telegram.org/bot%s/%s"`
	AdminChatID         int64         `env:"ADMIN_CHAT_ID"`
	Debug               bool          `env:"DEBUG"`
	DatabaseDriver      string        `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabasePath        string        `env:"DATABASE_PATH" envDefault:"db.sqlite3"`
	MongoURI            string        `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDBName         string        `env:"MONGO_DB_NAME" envDefault:"telegram_bot"`
	RedisAddr           string        `env:"REDIS_ADDR"`
	RedisPassword       string        `env:"REDIS_PASSWORD"`
	RedisDB             int           `env:"REDIS_DB" envDefault:"0"`
	CacheTTL            time.Duration `env:"CACHE_TTL" envDefault:"10m"`
	PollTimeout         time.Duration `env:"POLL_TIMEOUT" envDefault:"30s"`
	RetryDelay          time.Duration `env:"RETRY_DELAY" envDefault:"5s"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	StoreBusyTimeout    time.Duration `env:"STORE_BUSY_TIMEOUT" envDefault:"5s"`
	EventTimeout        time.Duration `env:"EVENT_TIMEOUT" envDefault:"2m"`
	ScanInterval        time.Duration `env:"SCAN_INTERVAL" envDefault:"6h"`
	MessagesFile        string        `env:"MESSAGES_FILE"`
	Messages            Messages
}

// Load reads envFile (if present), the process environment and the optional
// YAML messages file.
func Load(envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil {
		log.Warn().Err(err).Str("file", envFile).Msg(".env file not found")
	}
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.MessagesFile != "" {
		if err := cfg.Messages.loadFile(cfg.MessagesFile); err != nil {
			return nil, err
		}
	}
	cfg.Messages.unescape()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite driver")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("RETRY_DELAY must be positive")
	}
	if c.StoreBusyTimeout <= 0 {
		return fmt.Errorf("STORE_BUSY_TIMEOUT must be positive")
	}
	if c.EventTimeout <= 0 {
		return fmt.Errorf("EVENT_TIMEOUT must be positive")
	}
	if c.ScanInterval < 0 {
		return fmt.Errorf("SCAN_INTERVAL must not be negative")
	}
	return nil
}

// loadFile overrides templates with the non-empty entries of a YAML file.
func (m *Messages) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read messages file: %w", err)
	}
	var override Messages
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parse messages file: %w", err)
	}

	for _, f := range []struct {
		dst *string
		src string
	}{
		{&m.Welcome, override.Welcome},
		{&m.CaptchaQuestion, override.CaptchaQuestion},
		{&m.Success, override.Success},
		{&m.WrongAnswer, override.WrongAnswer},
		{&m.BotDetected, override.BotDetected},
		{&m.BotAdminAlert, override.BotAdminAlert},
		{&m.AdminOnly, override.AdminOnly},
		{&m.NoBanned, override.NoBanned},
		{&m.CommandUnavailable, override.CommandUnavailable},
	} {
		if strings.TrimSpace(f.src) != "" {
			*f.dst = f.src
		}
	}
	return nil
}

// unescape turns literal "\n" sequences from .env files into newlines.
func (m *Messages) unescape() {
	for _, s := range []*string{
		&m.Welcome, &m.CaptchaQuestion, &m.Success, &m.WrongAnswer,
		&m.BotDetected, &m.BotAdminAlert, &m.AdminOnly, &m.NoBanned,
		&m.CommandUnavailable,
	} {
		*s = strings.ReplaceAll(*s, `\n`, "\n")
	}
}

// Render fills {placeholder} markers in a template.
func Render(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
