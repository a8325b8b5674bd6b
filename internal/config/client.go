package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/reifying/untethered/internal/connection"
)

const (
	EnvGatewayWSURL         = "UNTETHERED_GATEWAY_WS_URL"
	EnvClientAPIKey         = "UNTETHERED_CLIENT_API_KEY"
	EnvClientSessionLimit   = "UNTETHERED_CLIENT_SESSION_LIMIT"
	EnvGreetingTimeout      = "UNTETHERED_GREETING_TIMEOUT"
	EnvAuthTimeout          = "UNTETHERED_AUTH_TIMEOUT"
	EnvMaxReconnectAttempts = "UNTETHERED_MAX_RECONNECT_ATTEMPTS"

	defaultGatewayWSURL = "ws://127.0.0.1:8080/ws"
)

type ClientConfig struct {
	GatewayWSURL         string
	APIKey               string
	SessionLimit         int
	GreetingTimeout      time.Duration
	AuthTimeout          time.Duration
	MaxReconnectAttempts int
}

func ClientFromYAMLAndEnv() (ClientConfig, error) {
	cfg := defaultClientConfig()
	fileCfg, err := loadFileConfig()
	if err != nil {
		return ClientConfig{}, err
	}
	if err := cfg.applyYAML(fileCfg); err != nil {
		return ClientConfig{}, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func defaultClientConfig() ClientConfig {
	defaults := connection.DefaultConfig()
	return ClientConfig{
		GatewayWSURL:         defaultGatewayWSURL,
		GreetingTimeout:      defaults.GreetingTimeout,
		AuthTimeout:          defaults.AuthTimeout,
		MaxReconnectAttempts: defaults.Backoff.MaxAttempts,
	}
}

func (c *ClientConfig) applyYAML(fileCfg fileConfig) error {
	cl := fileCfg.Client
	setString(&c.GatewayWSURL, cl.GatewayWSURL)
	setString(&c.APIKey, cl.APIKey)
	// A client on the gateway host can share the gateway key.
	if c.APIKey == "" {
		setString(&c.APIKey, fileCfg.Gateway.APIKey)
	}
	if cl.SessionLimit > 0 {
		c.SessionLimit = cl.SessionLimit
	}
	var err error
	if c.GreetingTimeout, err = parseOptionalDuration(cl.GreetingTimeout, c.GreetingTimeout, "client.greeting_timeout"); err != nil {
		return err
	}
	if c.AuthTimeout, err = parseOptionalDuration(cl.AuthTimeout, c.AuthTimeout, "client.auth_timeout"); err != nil {
		return err
	}
	if cl.MaxReconnectAttempts != nil {
		c.MaxReconnectAttempts = *cl.MaxReconnectAttempts
	}
	return nil
}

func (c *ClientConfig) applyEnv() {
	c.GatewayWSURL = EnvOrDefault(EnvGatewayWSURL, c.GatewayWSURL)
	c.APIKey = EnvOrDefault(EnvClientAPIKey, EnvOrDefault(EnvAPIKey, c.APIKey))
	c.SessionLimit = parseIntEnv(EnvClientSessionLimit, c.SessionLimit)
	c.GreetingTimeout = parseDurationEnv(EnvGreetingTimeout, c.GreetingTimeout)
	c.AuthTimeout = parseDurationEnv(EnvAuthTimeout, c.AuthTimeout)
	c.MaxReconnectAttempts = parseIntEnv(EnvMaxReconnectAttempts, c.MaxReconnectAttempts)
}

func (c ClientConfig) Validate() error {
	url := strings.TrimSpace(c.GatewayWSURL)
	if url == "" {
		return fmt.Errorf("%s is required", EnvGatewayWSURL)
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("%s must use ws:// or wss://", EnvGatewayWSURL)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%s is required", EnvClientAPIKey)
	}
	if c.SessionLimit < 0 {
		return fmt.Errorf("%s must be >= 0", EnvClientSessionLimit)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%s must be >= 0", EnvMaxReconnectAttempts)
	}
	return nil
}

func (c ClientConfig) ConnectionConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.URL = strings.TrimSpace(c.GatewayWSURL)
	cfg.APIKey = c.APIKey
	cfg.SessionLimit = c.SessionLimit
	cfg.GreetingTimeout = c.GreetingTimeout
	cfg.AuthTimeout = c.AuthTimeout
	cfg.Backoff.MaxAttempts = c.MaxReconnectAttempts
	return cfg
}
