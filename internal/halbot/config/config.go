// Package config loads the bot's configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file validated against an embedded JSON Schema, and environment
// variables. The result is an immutable Config passed by value.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/halbot/common/environment"
	"github.com/bdobrica/halbot/internal/halbot/memory"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "config.schema.json"

// Scope selects which Matrix identifiers make up a conversation ID.
type Scope string

const (
	// ScopeRoom shares one conversation among everyone in a room.
	ScopeRoom Scope = "room"
	// ScopeSender gives each user one conversation across rooms.
	ScopeSender Scope = "sender"
	// ScopeRoomSender gives each user one conversation per room.
	ScopeRoomSender Scope = "room_sender"
)

// ConversationID derives the conversation key for a message.
func (s Scope) ConversationID(roomID, sender string) string {
	switch s {
	case ScopeSender:
		return sender
	case ScopeRoomSender:
		return roomID + "|" + sender
	default:
		return roomID
	}
}

func parseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeRoom, ScopeSender, ScopeRoomSender:
		return sc, nil
	}
	return "", fmt.Errorf("unknown conversation scope %q (want room, sender or room_sender)", s)
}

// Config is the fully resolved configuration. Slices must be treated as
// read-only.
type Config struct {
	Matrix       MatrixConfig
	OpenAI       OpenAIConfig
	Memory       MemoryConfig
	Conversation ConversationConfig
	Chat         ChatConfig
	Quota        QuotaConfig

	DatabasePath string
	// HTTPAddr enables the health server when non-empty.
	HTTPAddr string
	// Debug logs verbatim malformed API responses (secrets redacted).
	Debug bool
	Log   LogConfig
}

type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Rooms       []string
}

type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	ImageSize string
	Timeout   time.Duration
}

type MemoryConfig struct {
	// Limit bounds stored history tokens per conversation; 0 is unlimited.
	Limit int
	// PromptLimit is sent as max_tokens; 0 omits it.
	PromptLimit int
	ExactFit    memory.ExactFitPolicy
	Persona     bool
}

type ConversationConfig struct {
	Scope Scope
}

type ChatConfig struct {
	Prefix           string
	MaxMessageLength int
	TypingInterval   time.Duration
}

type QuotaConfig struct {
	// RateLimit is completion calls per sender per minute.
	RateLimit int
	// DailyTokens is the per-sender allowance per UTC day.
	DailyTokens int
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		OpenAI: OpenAIConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-3.5-turbo",
			ImageSize: "1024x1024",
			Timeout:   60 * time.Second,
		},
		Memory: MemoryConfig{
			PromptLimit: 1536,
			ExactFit:    memory.KeepOnExactFit,
			Persona:     true,
		},
		Conversation: ConversationConfig{Scope: ScopeRoom},
		Chat: ChatConfig{
			Prefix:           "!hal",
			MaxMessageLength: 2000,
			TypingInterval:   5 * time.Second,
		},
		Quota: QuotaConfig{
			RateLimit:   10,
			DailyTokens: 100_000,
		},
		DatabasePath: "./halbot.db",
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// fileConfig mirrors the YAML layout. Pointers distinguish "absent" from
// zero so the file only overrides what it sets.
type fileConfig struct {
	Matrix *struct {
		Homeserver  *string  `yaml:"homeserver"`
		UserID      *string  `yaml:"user_id"`
		AccessToken *string  `yaml:"access_token"`
		Rooms       []string `yaml:"rooms"`
	} `yaml:"matrix"`
	OpenAI *struct {
		APIKey    *string `yaml:"api_key"`
		BaseURL   *string `yaml:"base_url"`
		Model     *string `yaml:"model"`
		ImageSize *string `yaml:"image_size"`
		Timeout   *string `yaml:"timeout"`
	} `yaml:"openai"`
	Memory *struct {
		Limit       *int    `yaml:"limit"`
		PromptLimit *int    `yaml:"prompt_limit"`
		ExactFit    *string `yaml:"exact_fit"`
		Persona     *bool   `yaml:"persona"`
	} `yaml:"memory"`
	Conversation *struct {
		Scope *string `yaml:"scope"`
	} `yaml:"conversation"`
	Chat *struct {
		Prefix           *string `yaml:"prefix"`
		MaxMessageLength *int    `yaml:"max_message_length"`
		TypingInterval   *string `yaml:"typing_interval"`
	} `yaml:"chat"`
	Quota *struct {
		RateLimit   *int `yaml:"rate_limit"`
		DailyTokens *int `yaml:"daily_tokens"`
	} `yaml:"quota"`
	DatabasePath *string `yaml:"database_path"`
	HTTPAddr     *string `yaml:"http_addr"`
	Debug        *bool   `yaml:"debug"`
	Log          *struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
	} `yaml:"log"`
}

// Load resolves the configuration. path may be empty to skip the file.
func Load(path string, env environment.Source) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := applyFile(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse resolves defaults plus a YAML document, without the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := applyFile(&cfg, data); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ValidateDocument checks a YAML document against the schema.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}

	// Round-trip through JSON so the validator sees JSON value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("schema validation failed: %s", describe(ve))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// describe flattens the innermost causes into "location: message" lines.
func describe(ve *jsonschema.ValidationError) string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + ve.Message
	}
	parts := make([]string, 0, len(ve.Causes))
	for _, c := range ve.Causes {
		parts = append(parts, describe(c))
	}
	return strings.Join(parts, "; ")
}

func applyFile(cfg *Config, data []byte) error {
	if err := ValidateDocument(data); err != nil {
		return err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if m := f.Matrix; m != nil {
		setString(&cfg.Matrix.Homeserver, m.Homeserver)
		setString(&cfg.Matrix.UserID, m.UserID)
		setString(&cfg.Matrix.AccessToken, m.AccessToken)
		if m.Rooms != nil {
			cfg.Matrix.Rooms = append([]string(nil), m.Rooms...)
		}
	}
	if o := f.OpenAI; o != nil {
		setString(&cfg.OpenAI.APIKey, o.APIKey)
		setString(&cfg.OpenAI.BaseURL, o.BaseURL)
		setString(&cfg.OpenAI.Model, o.Model)
		setString(&cfg.OpenAI.ImageSize, o.ImageSize)
		if err := setDuration(&cfg.OpenAI.Timeout, o.Timeout); err != nil {
			return fmt.Errorf("openai.timeout: %w", err)
		}
	}
	if m := f.Memory; m != nil {
		setInt(&cfg.Memory.Limit, m.Limit)
		setInt(&cfg.Memory.PromptLimit, m.PromptLimit)
		if m.ExactFit != nil {
			p, err := memory.ParseExactFitPolicy(*m.ExactFit)
			if err != nil {
				return err
			}
			cfg.Memory.ExactFit = p
		}
		if m.Persona != nil {
			cfg.Memory.Persona = *m.Persona
		}
	}
	if c := f.Conversation; c != nil && c.Scope != nil {
		s, err := parseScope(*c.Scope)
		if err != nil {
			return err
		}
		cfg.Conversation.Scope = s
	}
	if c := f.Chat; c != nil {
		setString(&cfg.Chat.Prefix, c.Prefix)
		setInt(&cfg.Chat.MaxMessageLength, c.MaxMessageLength)
		if err := setDuration(&cfg.Chat.TypingInterval, c.TypingInterval); err != nil {
			return fmt.Errorf("chat.typing_interval: %w", err)
		}
	}
	if q := f.Quota; q != nil {
		setInt(&cfg.Quota.RateLimit, q.RateLimit)
		setInt(&cfg.Quota.DailyTokens, q.DailyTokens)
	}
	setString(&cfg.DatabasePath, f.DatabasePath)
	setString(&cfg.HTTPAddr, f.HTTPAddr)
	if f.Debug != nil {
		cfg.Debug = *f.Debug
	}
	if l := f.Log; l != nil {
		setString(&cfg.Log.Level, l.Level)
		setString(&cfg.Log.Format, l.Format)
	}
	return nil
}

// applyEnv overrides cfg with whichever variables are set.
func applyEnv(cfg *Config, env environment.Source) error {
	cfg.Matrix.Homeserver = env.StringOr("MATRIX_HOMESERVER", cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = env.StringOr("MATRIX_USER_ID", cfg.Matrix.UserID)
	cfg.Matrix.AccessToken = env.StringOr("MATRIX_ACCESS_TOKEN", cfg.Matrix.AccessToken)
	cfg.Matrix.Rooms = env.StringSliceOr("MATRIX_ROOMS", cfg.Matrix.Rooms)

	// OPENAI_APIKEY is accepted for deployments of the older bot.
	cfg.OpenAI.APIKey = env.StringOr("OPENAI_APIKEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.APIKey = env.StringOr("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.BaseURL = env.StringOr("OPENAI_BASE_URL", cfg.OpenAI.BaseURL)
	cfg.OpenAI.Model = env.StringOr("OPENAI_MODEL", cfg.OpenAI.Model)
	cfg.OpenAI.ImageSize = env.StringOr("OPENAI_IMAGE_SIZE", cfg.OpenAI.ImageSize)
	cfg.OpenAI.Timeout = env.DurationOr("OPENAI_TIMEOUT", cfg.OpenAI.Timeout)

	cfg.Memory.Limit = env.IntOr("HALBOT_MEMORY_LIMIT", cfg.Memory.Limit)
	cfg.Memory.PromptLimit = env.IntOr("HALBOT_PROMPT_LIMIT", cfg.Memory.PromptLimit)
	if v, ok := env.String("HALBOT_EXACT_FIT"); ok && v != "" {
		p, err := memory.ParseExactFitPolicy(v)
		if err != nil {
			return err
		}
		cfg.Memory.ExactFit = p
	}
	cfg.Memory.Persona = env.BoolOr("HALBOT_PERSONA", cfg.Memory.Persona)
	if v, ok := env.String("HALBOT_SCOPE"); ok && v != "" {
		s, err := parseScope(v)
		if err != nil {
			return err
		}
		cfg.Conversation.Scope = s
	}

	cfg.Chat.Prefix = env.StringOr("HALBOT_PREFIX", cfg.Chat.Prefix)
	cfg.Chat.MaxMessageLength = env.IntOr("HALBOT_MAX_MESSAGE_LENGTH", cfg.Chat.MaxMessageLength)
	cfg.Chat.TypingInterval = env.DurationOr("HALBOT_TYPING_INTERVAL", cfg.Chat.TypingInterval)

	cfg.Quota.RateLimit = env.IntOr("HALBOT_RATE_LIMIT", cfg.Quota.RateLimit)
	cfg.Quota.DailyTokens = env.IntOr("HALBOT_DAILY_TOKENS", cfg.Quota.DailyTokens)

	cfg.DatabasePath = env.StringOr("DATABASE_PATH", cfg.DatabasePath)
	cfg.HTTPAddr = env.StringOr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.Debug = env.BoolOr("HALBOT_DEBUG", cfg.Debug)
	cfg.Log.Level = env.StringOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.StringOr("LOG_FORMAT", cfg.Log.Format)
	return nil
}

// Validate checks the settings that must be present to start.
func (c Config) Validate() error {
	var errs []error
	if c.Matrix.Homeserver == "" {
		errs = append(errs, errors.New("matrix.homeserver (MATRIX_HOMESERVER) is required"))
	}
	if c.Matrix.UserID == "" {
		errs = append(errs, errors.New("matrix.user_id (MATRIX_USER_ID) is required"))
	}
	if c.Matrix.AccessToken == "" {
		errs = append(errs, errors.New("matrix.access_token (MATRIX_ACCESS_TOKEN) is required"))
	}
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key (OPENAI_API_KEY) is required"))
	}
	if c.Memory.Limit < 0 || c.Memory.PromptLimit < 0 {
		errs = append(errs, errors.New("memory limits must not be negative"))
	}
	if c.Chat.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("chat.max_message_length must be positive"))
	}
	if strings.TrimSpace(c.Chat.Prefix) == "" {
		errs = append(errs, errors.New("chat.prefix must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Secrets returns the credentials that must never be logged.
func (c Config) Secrets() []string {
	return []string{c.OpenAI.APIKey, c.Matrix.AccessToken}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
