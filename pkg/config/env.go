package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable viper reads
const EnvPrefix = "COPILOT"

// Environment holds validated configuration passed to every client constructor
type Environment struct {
	Port  string
	Debug bool

	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	DatabaseURL string

	GitLabBaseURL   string
	GitLabTimeout   time.Duration
	GitLabRateLimit float64
	GitLabBurst     int

	GitHubToken   string
	GitHubBaseURL string

	GroqAPIKey    string
	GroqBaseURL   string
	GroqModel     string
	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string
	AITimeout     time.Duration
	MaxLogBytes   int
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("debug", false)

	v.SetDefault("logger.format", "")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)

	v.SetDefault("database.url", "")

	v.SetDefault("gitlab.base_url", "https://gitlab.com/api/v4")
	v.SetDefault("gitlab.timeout", "15s")
	v.SetDefault("gitlab.rate_limit", 10.0)
	v.SetDefault("gitlab.burst", 5)

	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")

	v.SetDefault("ai.groq.api_key", "")
	v.SetDefault("ai.groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("ai.groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("ai.gemini.api_key", "")
	v.SetDefault("ai.gemini.base_url", "")
	v.SetDefault("ai.gemini.model", "gemini-1.5-flash")
	v.SetDefault("ai.timeout", "60s")
	v.SetDefault("ai.max_log_bytes", 12000)
}

// Bind wires viper to the environment. Well-known unprefixed names are
// accepted for secrets so existing deployments keep working.
func Bind(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	aliases := map[string][]string{
		"server.port":       {"COPILOT_SERVER_PORT", "PORT"},
		"database.url":      {"COPILOT_DATABASE_URL", "DATABASE_URL"},
		"gitlab.base_url":   {"COPILOT_GITLAB_BASE_URL", "GITLAB_BASE_URL"},
		"github.token":      {"COPILOT_GITHUB_TOKEN", "GITHUB_TOKEN"},
		"ai.groq.api_key":   {"COPILOT_AI_GROQ_API_KEY", "GROQ_API_KEY"},
		"ai.gemini.api_key": {"COPILOT_AI_GEMINI_API_KEY", "GEMINI_API_KEY"},
	}
	for key, names := range aliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// LoadDotEnv reads .env files into the process environment. Missing files are fine.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !isNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads an Environment out of v
func Load(v *viper.Viper) (*Environment, error) {
	env := &Environment{
		Port:  v.GetString("server.port"),
		Debug: v.GetBool("debug"),

		LogFormat:     v.GetString("logger.format"),
		LogFile:       v.GetString("logger.log_file"),
		LogMaxSizeMB:  v.GetInt("logger.max_size"),
		LogMaxBackups: v.GetInt("logger.max_backups"),
		LogMaxAgeDays: v.GetInt("logger.max_age"),

		DatabaseURL: v.GetString("database.url"),

		GitLabBaseURL:   strings.TrimRight(v.GetString("gitlab.base_url"), "/"),
		GitLabTimeout:   v.GetDuration("gitlab.timeout"),
		GitLabRateLimit: v.GetFloat64("gitlab.rate_limit"),
		GitLabBurst:     v.GetInt("gitlab.burst"),

		GitHubToken:   v.GetString("github.token"),
		GitHubBaseURL: v.GetString("github.base_url"),

		GroqAPIKey:    v.GetString("ai.groq.api_key"),
		GroqBaseURL:   strings.TrimRight(v.GetString("ai.groq.base_url"), "/"),
		GroqModel:     v.GetString("ai.groq.model"),
		GeminiAPIKey:  v.GetString("ai.gemini.api_key"),
		GeminiBaseURL: v.GetString("ai.gemini.base_url"),
		GeminiModel:   v.GetString("ai.gemini.model"),
		AITimeout:     v.GetDuration("ai.timeout"),
		MaxLogBytes:   v.GetInt("ai.max_log_bytes"),
	}

	if env.GitLabTimeout <= 0 {
		return nil, fmt.Errorf("gitlab.timeout must be positive")
	}
	if env.AITimeout <= 0 {
		return nil, fmt.Errorf("ai.timeout must be positive")
	}
	if env.GitLabBurst < 1 {
		env.GitLabBurst = 1
	}
	return env, nil
}

// Validate checks the settings the server cannot start without
func (e *Environment) Validate() error {
	var errs []error
	if e.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not configured"))
	}
	if e.GroqAPIKey == "" && e.GeminiAPIKey == "" {
		errs = append(errs, errors.New("no AI provider configured: set GROQ_API_KEY or GEMINI_API_KEY"))
	}
	if e.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	return errors.Join(errs...)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
