package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Version is the config schema version this build understands
const Version = "v0.1"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// MissingConfigError reports a required value that is absent, either from
// the file or from the environment a reference points to
type MissingConfigError struct {
	Name string
}

func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Name)
}

// ProviderKind selects the provider endpoints
type ProviderKind string

const (
	ProviderGitHub  ProviderKind = "github"
	ProviderGoogle  ProviderKind = "google"
	ProviderGitLab  ProviderKind = "gitlab"
	ProviderDiscord ProviderKind = "discord"
	ProviderOkta    ProviderKind = "okta"
	ProviderAuth0   ProviderKind = "auth0"
	ProviderOIDC    ProviderKind = "oidc"
	ProviderCustom  ProviderKind = "custom"
)

// StorageKind selects the session store backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageRedis     StorageKind = "redis"
	StorageSQLite    StorageKind = "sqlite"
	StorageFirestore StorageKind = "firestore"
)

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr string `json:"addr"`
	// BaseURL is the public origin. When set, every request is treated as
	// addressed to it, which is how TLS terminated upstream is detected.
	BaseURL string `json:"baseURL,omitempty"`
	// AllowedRedirectOrigins lists extra origins success_url may point at
	AllowedRedirectOrigins []string `json:"allowedRedirectOrigins,omitempty"`
}

// ProviderConfig is the OAuth provider with resolved values
type ProviderConfig struct {
	Kind             ProviderKind `json:"kind"`
	ClientID         string       `json:"clientId"`
	ClientSecret     Secret       `json:"clientSecret"`
	RedirectURI      string       `json:"redirectUri"`
	Scopes           []string     `json:"scopes,omitempty"`
	Domain           string       `json:"domain,omitempty"`
	Issuer           string       `json:"issuer,omitempty"`
	AuthorizationURL string       `json:"authorizationUrl,omitempty"`
	TokenURL         string       `json:"tokenUrl,omitempty"`
}

// SentinelConfig points at a Redis Sentinel deployment
type SentinelConfig struct {
	MasterName string   `json:"masterName"`
	Addrs      []string `json:"addrs"`
}

// RedisConfig configures the redis backend
type RedisConfig struct {
	Addr      string          `json:"addr,omitempty"`
	Sentinel  *SentinelConfig `json:"sentinel,omitempty"`
	Username  string          `json:"username,omitempty"`
	Password  Secret          `json:"password,omitempty"`
	DB        int             `json:"db,omitempty"`
	KeyPrefix string          `json:"keyPrefix,omitempty"`
}

// SQLiteConfig configures the sqlite backend
type SQLiteConfig struct {
	Path string `json:"path"`
}

// FirestoreConfig configures the firestore backend
type FirestoreConfig struct {
	Project    string `json:"project"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// StorageConfig selects and configures the backend
type StorageConfig struct {
	Kind            StorageKind      `json:"kind"`
	CleanupInterval time.Duration    `json:"-"`
	Redis           *RedisConfig     `json:"redis,omitempty"`
	SQLite          *SQLiteConfig    `json:"sqlite,omitempty"`
	Firestore       *FirestoreConfig `json:"firestore,omitempty"`
}

// SessionsConfig controls session lifetimes and at-rest encryption
type SessionsConfig struct {
	OAuthSessionTTL time.Duration `json:"-"`
	SiteSessionTTL  time.Duration `json:"-"`
	// EncryptionKey is base64 of 32 bytes. Empty disables encryption.
	EncryptionKey Secret `json:"encryptionKey,omitempty"`
}

// CookieConfig overrides site cookie attributes
type CookieConfig struct {
	Domain string `json:"domain,omitempty"`
	// SiteName replaces the site cookie name, prefix included
	SiteName string `json:"siteName,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version  string         `json:"version"`
	Server   ServerConfig   `json:"server"`
	Provider ProviderConfig `json:"provider"`
	Storage  StorageConfig  `json:"storage"`
	Sessions SessionsConfig `json:"sessions"`
	Cookie   CookieConfig   `json:"cookie"`
}

// ParseConfigValue parses a JSON value that is either a plain string or
// an {"$env": "VAR"} reference. An unset variable is a *MissingConfigError.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", &MissingConfigError{Name: envVar}
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// parseOptionalValue is ParseConfigValue for fields that may be absent
func parseOptionalValue(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	v, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return v, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}
