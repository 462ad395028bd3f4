// Package config loads the loom daemon configuration from the user config
// directory, generating defaults and the pickle key on first run.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	appName    = "loom"
	configFile = "config.json"
	pickleFile = "pickle_key"
)

type Config struct {
	Homeserver   string `json:"homeserver"`
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	CryptoDBPath string `json:"crypto_db_path"`

	// Secrets never land in config.json.
	AccessToken string `json:"-"`
	PickleKey   string `json:"-"`
}

func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	appDir := filepath.Join(configDir, appName)

	path := filepath.Join(appDir, configFile)
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		cfg.CryptoDBPath = filepath.Join(appDir, "crypto")
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(path, out, 0600); err != nil {
			return nil, err
		}
	}

	cfg.PickleKey, err = loadOrCreatePickleKey(appDir)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// loadOrCreatePickleKey reads the session pickle key from its own 0600
// file, generating it on first run. Losing this file makes the crypto
// store unreadable.
func loadOrCreatePickleKey(appDir string) (string, error) {
	path := filepath.Join(appDir, pickleFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := base64.StdEncoding.EncodeToString(raw)
	if err := os.MkdirAll(appDir, 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(key), 0600); err != nil {
		return "", fmt.Errorf("store pickle key: %w", err)
	}
	return key, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOOM_HOMESERVER"); v != "" {
		cfg.Homeserver = v
	}
	if v := os.Getenv("LOOM_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("LOOM_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("LOOM_CRYPTO_DB_PATH"); v != "" {
		cfg.CryptoDBPath = v
	}
	if v := os.Getenv("LOOM_ACCESS_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	if v := os.Getenv("LOOM_PICKLE_KEY"); v != "" {
		cfg.PickleKey = v
	}
}
