package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort  string `json:"http_port"`
	HTTPSPort string `json:"https_port"`
	Domain    string `json:"domain"`
	HTTPOnly  bool   `json:"http_only"`

	TURNPort  int    `json:"turn_port"`
	TURNRealm string `json:"turn_realm"`

	DatabasePath  string `json:"database_path"`
	RecordingsDir string `json:"recordings_dir"`

	// FrontendURI is the marketplace web app origin, used for CORS and for
	// the links embedded in incoming-call push notifications.
	FrontendURI string `json:"frontend_uri"`

	// Secrets are never written to config.json.
	JWTSecret string     `json:"-"`
	VAPIDKeys *VAPIDKeys `json:"-"`
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load builds the configuration from, in increasing priority: built-in
// defaults, config.json next to the executable, a .env file, process
// environment. Secrets (JWT, VAPID) come from env or the keys directory and
// are generated and persisted on first run.
func Load() *Config {
	// .env is optional; absence is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{}
	if saved, err := loadConfigFile(); err == nil {
		*cfg = *saved
		fmt.Println("NOTE: configuration loaded from config.json")
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.HTTPSPort == "" {
		cfg.HTTPSPort = getEnv("HTTPS_PORT", "8443")
	}
	if cfg.Domain == "" {
		cfg.Domain = getEnv("DOMAIN", "localhost")
	}
	if cfg.TURNPort == 0 {
		cfg.TURNPort = getEnvInt("TURN_PORT", 3478)
	}
	if cfg.TURNRealm == "" {
		cfg.TURNRealm = getEnv("TURN_REALM", "dealcall")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = getEnv("DATABASE_PATH", "dealcall.db")
	}
	if cfg.RecordingsDir == "" {
		cfg.RecordingsDir = getEnv("RECORDINGS_DIR", "recordings")
	}
	if cfg.FrontendURI == "" {
		cfg.FrontendURI = os.Getenv("FRONTEND_URI")
	}
	if v := os.Getenv("HTTP_ONLY"); v != "" {
		cfg.HTTPOnly = v == "1" || strings.EqualFold(v, "true")
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadOrGenerateVAPIDKeys()

	return cfg
}

func loadConfigFile() (*Config, error) {
	data, err := os.ReadFile(configFilePath())
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &cfg, nil
}

func configFilePath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err == nil {
			fmt.Printf("JWT secret saved to: %s\n", secretFile)
		} else {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
		}
	}
	return secret
}

func generateRandomSecret() string {
	// The webpush key generator already produces a URL-safe random 32-byte
	// value; reuse it so there is a single source of key material.
	priv, _, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic("failed to generate secret: " + err.Error())
	}
	return priv
}

func loadOrGenerateVAPIDKeys() *VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:ops@fundline.example")

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	keysDir := keysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	if pub, err := os.ReadFile(publicKeyFile); err == nil {
		if priv, err := os.ReadFile(privateKeyFile); err == nil {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(pub)),
				PrivateKey: strings.TrimSpace(string(priv)),
				Subject:    subject,
			}
		}
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(publicKeyFile, []byte(pub), 0600)
		_ = os.WriteFile(privateKeyFile, []byte(priv), 0600)
		fmt.Printf("VAPID keys saved to: %s\n", keysDir)
	}

	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}
}
