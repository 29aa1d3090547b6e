package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/dgellow/kvoauth/internal/envutil"
	"github.com/dgellow/kvoauth/internal/log"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if version != Version {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	config.applyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// secretFields are the paths that may only hold env references
var secretFields = [][]string{
	{"provider", "clientSecret"},
	{"sessions", "encryptionKey"},
	{"storage", "redis", "password"},
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, path := range secretFields {
		value, exists := lookupPath(rawConfig, path)
		if !exists {
			continue
		}
		name := path[len(path)-1]
		// Check if it's a string (bad) or a map (good - env ref)
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s must use environment variable reference for security", name)
		}
		refMap, isMap := value.(map[string]any)
		if !isMap {
			return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
		}
		if _, hasEnv := refMap["$env"]; !hasEnv {
			return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
		}
	}
	return nil
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return &MissingConfigError{Name: "server.addr"}
	}
	if config.Server.BaseURL != "" {
		u, err := url.Parse(config.Server.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server.baseURL must be an absolute http(s) URL")
		}
	}
	for _, origin := range config.Server.AllowedRedirectOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.allowedRedirectOrigins: invalid origin %q", origin)
		}
	}

	if err := validateProviderConfig(&config.Provider); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}
	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	sessions := config.Sessions
	if sessions.OAuthSessionTTL < 0 {
		return fmt.Errorf("sessions.oauthSessionTtl cannot be negative")
	}
	if sessions.SiteSessionTTL < 0 {
		return fmt.Errorf("sessions.siteSessionTtl cannot be negative")
	}
	if sessions.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(string(sessions.EncryptionKey))
		if err != nil || len(key) != 32 {
			return fmt.Errorf("sessions.encryptionKey must be 32 bytes of base64. Generate with: openssl rand -base64 32")
		}
	} else if config.Storage.Kind != StorageMemory {
		log.LogWarn("Site sessions are stored unencrypted in %s storage", config.Storage.Kind)
	}

	return nil
}

func validateProviderConfig(p *ProviderConfig) error {
	if p.RedirectURI == "" {
		return &MissingConfigError{Name: "provider.redirectUri"}
	}
	redirect, err := url.ParseRequestURI(p.RedirectURI)
	if err != nil {
		return fmt.Errorf("redirectUri is not a valid URL: %w", err)
	}
	if redirect.Scheme == "http" && redirect.Hostname() != "localhost" && !envutil.IsDev() {
		log.LogWarn("redirectUri %s is not HTTPS, session cookies will not be marked Secure", p.RedirectURI)
	}

	switch p.Kind {
	case ProviderGitHub, ProviderGoogle, ProviderGitLab, ProviderDiscord:
	case ProviderOkta, ProviderAuth0:
		if p.Domain == "" {
			return fmt.Errorf("domain is required for %s", p.Kind)
		}
	case ProviderOIDC:
		if p.Issuer == "" {
			return fmt.Errorf("issuer is required for oidc")
		}
	case ProviderCustom:
		if p.AuthorizationURL == "" || p.TokenURL == "" {
			return fmt.Errorf("authorizationUrl and tokenUrl are required for custom providers")
		}
	case "":
		return &MissingConfigError{Name: "provider.kind"}
	default:
		return fmt.Errorf("unknown provider kind: %s", p.Kind)
	}
	return nil
}

func validateStorageConfig(s *StorageConfig) error {
	if s.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval cannot be negative")
	}

	switch s.Kind {
	case StorageMemory:
		log.LogWarn("Memory storage loses every session on restart")
	case StorageRedis:
		if s.Redis == nil {
			return &MissingConfigError{Name: "storage.redis"}
		}
		if s.Redis.Addr == "" && s.Redis.Sentinel == nil {
			return fmt.Errorf("redis requires addr or sentinel")
		}
		if s.Redis.Addr != "" && s.Redis.Sentinel != nil {
			return fmt.Errorf("redis addr and sentinel are mutually exclusive")
		}
	case StorageSQLite:
		if s.SQLite == nil || s.SQLite.Path == "" {
			return &MissingConfigError{Name: "storage.sqlite.path"}
		}
	case StorageFirestore:
		if s.Firestore == nil || s.Firestore.Project == "" {
			return &MissingConfigError{Name: "storage.firestore.project"}
		}
	default:
		return fmt.Errorf("unknown storage kind: %s", s.Kind)
	}
	return nil
}
