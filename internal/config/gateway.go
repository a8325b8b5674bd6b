package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	EnvHTTPAddr         = "UNTETHERED_HTTP_ADDR"
	EnvAPIKey           = "UNTETHERED_API_KEY"
	EnvStore            = "UNTETHERED_STORE"
	EnvDBDSN            = "UNTETHERED_DB_DSN"
	EnvDataDir          = "UNTETHERED_DATA_DIR"
	EnvWorkingDirectory = "UNTETHERED_WORKING_DIRECTORY"
	EnvStepsFile        = "UNTETHERED_STEPS_FILE"
	EnvAgent            = "UNTETHERED_AGENT"
	EnvClaudeBinary     = "UNTETHERED_CLAUDE_BINARY"
	EnvHistoryBudget    = "UNTETHERED_HISTORY_BUDGET_BYTES"
	EnvSessionLimit     = "UNTETHERED_SESSION_LIMIT"
	EnvLogLevel         = "UNTETHERED_LOG_LEVEL"
	EnvLogFormat        = "UNTETHERED_LOG_FORMAT"
	EnvWebhookURL       = "UNTETHERED_WEBHOOK_URL"
	EnvWebhookSecret    = "UNTETHERED_WEBHOOK_SECRET"
	EnvDiscordBotToken  = "UNTETHERED_DISCORD_BOT_TOKEN"
	EnvDiscordChannelID = "UNTETHERED_DISCORD_CHANNEL_ID"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreFile     = "file"
	StoreMemory   = "memory"

	defaultHistoryBudgetBytes = 100 * 1024
	defaultSessionLimit       = 50
)

type GatewayConfig struct {
	HTTPAddr         string
	APIKey           string
	Store            string
	DBDSN            string
	DataDir          string
	WorkingDirectory string
	StepsFile        string
	Agent            string
	ClaudeBinary     string
	// HistoryBudget caps the serialized size of one history message.
	HistoryBudget int
	SessionLimit  int

	LogLevel  string
	LogFormat string

	WebhookURL       string
	WebhookSecret    string
	DiscordBotToken  string
	DiscordChannelID string
}

func GatewayFromEnv() GatewayConfig {
	cfg := defaultGatewayConfig()
	cfg.applyEnv()
	return cfg
}

// GatewayFromYAMLAndEnv layers defaults, the config file and env vars, in
// that order of precedence from lowest to highest.
func GatewayFromYAMLAndEnv() (GatewayConfig, error) {
	cfg := defaultGatewayConfig()
	fileCfg, err := loadFileConfig()
	if err != nil {
		return GatewayConfig{}, err
	}
	cfg.applyYAML(fileCfg)
	cfg.applyEnv()
	return cfg, nil
}

func defaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		HTTPAddr:      ":8080",
		Store:         StoreSQLite,
		DataDir:       DefaultPath("data"),
		Agent:         "claude",
		ClaudeBinary:  "claude",
		HistoryBudget: defaultHistoryBudgetBytes,
		SessionLimit:  defaultSessionLimit,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func (c *GatewayConfig) applyYAML(fileCfg fileConfig) {
	gw := fileCfg.Gateway
	setString(&c.HTTPAddr, gw.HTTPAddr)
	setString(&c.APIKey, gw.APIKey)
	setString(&c.Store, gw.Store)
	setString(&c.DBDSN, gw.DBDSN)
	setString(&c.DataDir, gw.DataDir)
	setString(&c.WorkingDirectory, gw.WorkingDirectory)
	setString(&c.StepsFile, gw.StepsFile)
	setString(&c.Agent, gw.Agent)
	setString(&c.ClaudeBinary, gw.ClaudeBinary)
	if gw.HistoryBudgetBytes > 0 {
		c.HistoryBudget = gw.HistoryBudgetBytes
	}
	if gw.SessionLimit > 0 {
		c.SessionLimit = gw.SessionLimit
	}
	setString(&c.LogLevel, fileCfg.Log.Level)
	setString(&c.LogFormat, fileCfg.Log.Format)
	setString(&c.WebhookURL, gw.Webhook.URL)
	setString(&c.WebhookSecret, gw.Webhook.Secret)
	setString(&c.DiscordBotToken, gw.Discord.BotToken)
	setString(&c.DiscordChannelID, gw.Discord.ChannelID)
}

func (c *GatewayConfig) applyEnv() {
	c.HTTPAddr = EnvOrDefault(EnvHTTPAddr, c.HTTPAddr)
	c.APIKey = EnvOrDefault(EnvAPIKey, c.APIKey)
	c.Store = EnvOrDefault(EnvStore, c.Store)
	c.DBDSN = EnvOrDefault(EnvDBDSN, c.DBDSN)
	c.DataDir = EnvOrDefault(EnvDataDir, c.DataDir)
	c.WorkingDirectory = EnvOrDefault(EnvWorkingDirectory, c.WorkingDirectory)
	c.StepsFile = EnvOrDefault(EnvStepsFile, c.StepsFile)
	c.Agent = EnvOrDefault(EnvAgent, c.Agent)
	c.ClaudeBinary = EnvOrDefault(EnvClaudeBinary, c.ClaudeBinary)
	c.HistoryBudget = parseIntEnv(EnvHistoryBudget, c.HistoryBudget)
	c.SessionLimit = parseIntEnv(EnvSessionLimit, c.SessionLimit)
	c.LogLevel = EnvOrDefault(EnvLogLevel, c.LogLevel)
	c.LogFormat = EnvOrDefault(EnvLogFormat, c.LogFormat)
	c.WebhookURL = EnvOrDefault(EnvWebhookURL, c.WebhookURL)
	c.WebhookSecret = EnvOrDefault(EnvWebhookSecret, c.WebhookSecret)
	c.DiscordBotToken = EnvOrDefault(EnvDiscordBotToken, c.DiscordBotToken)
	c.DiscordChannelID = EnvOrDefault(EnvDiscordChannelID, c.DiscordChannelID)
}

func (c GatewayConfig) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s is required", EnvHTTPAddr)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%s is required", EnvAPIKey)
	}
	switch c.Store {
	case StoreSQLite, StoreFile:
		if strings.TrimSpace(c.DataDir) == "" && strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("%s is required for store %q", EnvDataDir, c.Store)
		}
	case StorePostgres:
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("%s is required for store %q", EnvDBDSN, c.Store)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported %s %q", EnvStore, c.Store)
	}
	if strings.TrimSpace(c.Agent) == "" {
		return fmt.Errorf("%s is required", EnvAgent)
	}
	if c.HistoryBudget <= 0 {
		return fmt.Errorf("%s must be > 0", EnvHistoryBudget)
	}
	if c.SessionLimit <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSessionLimit)
	}
	if (c.DiscordBotToken == "") != (c.DiscordChannelID == "") {
		return fmt.Errorf("%s and %s must be set together", EnvDiscordBotToken, EnvDiscordChannelID)
	}
	return nil
}

// SQLiteDSN returns DBDSN, or a database file under DataDir.
func (c GatewayConfig) SQLiteDSN() string {
	if dsn := strings.TrimSpace(c.DBDSN); dsn != "" {
		return dsn
	}
	return filepath.Join(ResolvePath(c.DataDir), "untethered.db")
}

func setString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}
