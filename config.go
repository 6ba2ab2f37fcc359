package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	LLMModel        string `yaml:"llm_model"`

	AgentSearchURL    string `yaml:"agent_search_url"`
	SemanticSearchURL string `yaml:"semantic_search_url"`
	WebSearchEnabled  bool   `yaml:"web_search_enabled"`
	WebSearchAPIKey   string `yaml:"web_search_api_key"`

	MailboxBaseURL    string   `yaml:"mailbox_base_url"`
	MailboxToken      string   `yaml:"mailbox_token"`
	NewsletterSenders []string `yaml:"newsletter_senders"`

	MinRelevance       int `yaml:"min_relevance"`
	SearchQueryCount   int `yaml:"search_query_count"`
	RecencyWindowHours int `yaml:"search_recency_window_hours"`
	ClassifyWorkers    int `yaml:"classify_workers"`

	ProviderTimeoutSecs  int `yaml:"provider_timeout_secs"`
	ClassifyTimeoutSecs  int `yaml:"classify_timeout_secs"`
	MailboxTimeoutSecs   int `yaml:"mailbox_timeout_secs"`
	SearchRunTimeoutSecs int `yaml:"search_run_timeout_secs"`

	DBPath         string `yaml:"db_path"`
	HTTPAddr       string `yaml:"http_addr"`
	SearchSchedule string `yaml:"search_schedule"`
	Timezone       string `yaml:"timezone"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	Location *time.Location `yaml:"-"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AgentSearchURL, "AGENT_SEARCH_URL")
	envOverride(&cfg.SemanticSearchURL, "SEMANTIC_SEARCH_URL")
	envOverrideBool(&cfg.WebSearchEnabled, "WEB_SEARCH_ENABLED")
	envOverride(&cfg.WebSearchAPIKey, "WEB_SEARCH_API_KEY")
	envOverride(&cfg.MailboxBaseURL, "MAILBOX_BASE_URL")
	envOverride(&cfg.MailboxToken, "MAILBOX_TOKEN")
	envOverrideInt(&cfg.MinRelevance, "MIN_RELEVANCE")
	envOverrideInt(&cfg.SearchQueryCount, "SEARCH_QUERY_COUNT")
	envOverrideInt(&cfg.RecencyWindowHours, "SEARCH_RECENCY_WINDOW_HOURS")
	envOverrideInt(&cfg.ClassifyWorkers, "CLASSIFY_WORKERS")
	envOverrideInt(&cfg.ProviderTimeoutSecs, "PROVIDER_TIMEOUT_SECS")
	envOverrideInt(&cfg.ClassifyTimeoutSecs, "CLASSIFY_TIMEOUT_SECS")
	envOverrideInt(&cfg.MailboxTimeoutSecs, "MAILBOX_TIMEOUT_SECS")
	envOverrideInt(&cfg.SearchRunTimeoutSecs, "SEARCH_RUN_TIMEOUT_SECS")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.HTTPAddr, "HTTP_ADDR")
	envOverride(&cfg.SearchSchedule, "SEARCH_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")

	if senders := os.Getenv("NEWSLETTER_SENDERS"); senders != "" {
		cfg.NewsletterSenders = nil
		for _, s := range strings.Split(senders, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				cfg.NewsletterSenders = append(cfg.NewsletterSenders, s)
			}
		}
	}

	applyDefaults(&cfg)
	validate(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultAnthropicModel
	}
	if cfg.MailboxBaseURL == "" {
		cfg.MailboxBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"
	}
	if cfg.MinRelevance == 0 {
		cfg.MinRelevance = 5
	}
	if cfg.SearchQueryCount == 0 {
		cfg.SearchQueryCount = 3
	}
	if cfg.RecencyWindowHours == 0 {
		cfg.RecencyWindowHours = 6
	}
	if cfg.ClassifyWorkers == 0 {
		cfg.ClassifyWorkers = 4
	}
	if cfg.ProviderTimeoutSecs == 0 {
		cfg.ProviderTimeoutSecs = 8
	}
	if cfg.ClassifyTimeoutSecs == 0 {
		cfg.ClassifyTimeoutSecs = 8
	}
	if cfg.MailboxTimeoutSecs == 0 {
		cfg.MailboxTimeoutSecs = 30
	}
	if cfg.SearchRunTimeoutSecs == 0 {
		cfg.SearchRunTimeoutSecs = 300
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./scout.db"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
}

func validate(cfg *Config) {
	if cfg.AnthropicAPIKey == "" {
		log.Fatalf("Required config 'anthropic_api_key' is not set (via config.yaml or env var)")
	}
	if cfg.AgentSearchURL == "" && cfg.SemanticSearchURL == "" && !cfg.WebSearchEnabled {
		log.Fatalf("No search providers configured: set agent_search_url, semantic_search_url or web_search_enabled")
	}
	if cfg.WebSearchEnabled && cfg.WebSearchAPIKey == "" {
		log.Fatalf("web_search_api_key is required when web_search_enabled=true")
	}
	if len(cfg.NewsletterSenders) > 0 && cfg.MailboxToken == "" {
		log.Fatalf("mailbox_token is required when newsletter_senders is set")
	}
	if cfg.MinRelevance < 1 || cfg.MinRelevance > 10 {
		log.Fatalf("invalid min_relevance '%d': must be between 1 and 10", cfg.MinRelevance)
	}
	if cfg.SearchQueryCount < 1 || cfg.SearchQueryCount > 10 {
		log.Fatalf("invalid search_query_count '%d': must be between 1 and 10", cfg.SearchQueryCount)
	}
	if cfg.ClassifyWorkers < 1 {
		log.Fatalf("invalid classify_workers '%d': must be >= 1", cfg.ClassifyWorkers)
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}
}

func (c Config) AgentSearchConfigured() bool    { return strings.TrimSpace(c.AgentSearchURL) != "" }
func (c Config) SemanticSearchConfigured() bool { return strings.TrimSpace(c.SemanticSearchURL) != "" }
func (c Config) MailboxConfigured() bool {
	return c.MailboxToken != "" && len(c.NewsletterSenders) > 0
}
func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSecs) * time.Second
}
func (c Config) ClassifyTimeout() time.Duration {
	return time.Duration(c.ClassifyTimeoutSecs) * time.Second
}
func (c Config) MailboxTimeout() time.Duration {
	return time.Duration(c.MailboxTimeoutSecs) * time.Second
}
func (c Config) SearchRunTimeout() time.Duration {
	return time.Duration(c.SearchRunTimeoutSecs) * time.Second
}
func (c Config) RecencyWindow() time.Duration {
	return time.Duration(c.RecencyWindowHours) * time.Hour
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
