package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "UNTETHERED_CONFIG_FILE"
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

type fileConfig struct {
	Version int               `yaml:"version"`
	Log     fileLogConfig     `yaml:"log"`
	Gateway fileGatewayConfig `yaml:"gateway"`
	Client  fileClientConfig  `yaml:"client"`
}

type fileLogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type fileGatewayConfig struct {
	HTTPAddr           string            `yaml:"http_addr"`
	APIKey             string            `yaml:"api_key"`
	Store              string            `yaml:"store"`
	DBDSN              string            `yaml:"db_dsn"`
	DataDir            string            `yaml:"data_dir"`
	WorkingDirectory   string            `yaml:"working_directory"`
	StepsFile          string            `yaml:"steps_file"`
	Agent              string            `yaml:"agent"`
	ClaudeBinary       string            `yaml:"claude_binary"`
	HistoryBudgetBytes int               `yaml:"history_budget_bytes"`
	SessionLimit       int               `yaml:"session_limit"`
	Webhook            fileWebhookConfig `yaml:"webhook"`
	Discord            fileDiscordConfig `yaml:"discord"`
}

type fileWebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type fileDiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

type fileClientConfig struct {
	GatewayWSURL         string `yaml:"gateway_ws_url"`
	APIKey               string `yaml:"api_key"`
	SessionLimit         int    `yaml:"session_limit"`
	GreetingTimeout      string `yaml:"greeting_timeout"`
	AuthTimeout          string `yaml:"auth_timeout"`
	MaxReconnectAttempts *int   `yaml:"max_reconnect_attempts"`
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(untetheredDirName, defaultConfigFileName),
		filepath.Join(untetheredDirName, alternateConfigFileName),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, untetheredDirName, defaultConfigFileName),
			filepath.Join(home, untetheredDirName, alternateConfigFileName),
		)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}
