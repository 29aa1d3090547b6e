package config

import (
	"encoding/json"
	"time"
)

func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type rawServer struct {
		Addr                   json.RawMessage `json:"addr"`
		BaseURL                json.RawMessage `json:"baseURL"`
		AllowedRedirectOrigins []string        `json:"allowedRedirectOrigins"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.Addr, err = parseOptionalValue(raw.Addr, "addr"); err != nil {
		return err
	}
	if s.BaseURL, err = parseOptionalValue(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	s.AllowedRedirectOrigins = raw.AllowedRedirectOrigins
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig.
// Credentials may be env references; clientSecret must be one, which
// Load checks before env resolution.
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		Kind             ProviderKind    `json:"kind"`
		ClientID         json.RawMessage `json:"clientId"`
		ClientSecret     json.RawMessage `json:"clientSecret"`
		RedirectURI      json.RawMessage `json:"redirectUri"`
		Scopes           []string        `json:"scopes"`
		Domain           json.RawMessage `json:"domain"`
		Issuer           json.RawMessage `json:"issuer"`
		AuthorizationURL string          `json:"authorizationUrl"`
		TokenURL         string          `json:"tokenUrl"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Kind = raw.Kind
	p.Scopes = raw.Scopes
	p.AuthorizationURL = raw.AuthorizationURL
	p.TokenURL = raw.TokenURL

	var err error
	if p.ClientID, err = parseOptionalValue(raw.ClientID, "clientId"); err != nil {
		return err
	}
	secret, err := parseOptionalValue(raw.ClientSecret, "clientSecret")
	if err != nil {
		return err
	}
	p.ClientSecret = Secret(secret)
	if p.RedirectURI, err = parseOptionalValue(raw.RedirectURI, "redirectUri"); err != nil {
		return err
	}
	if p.Domain, err = parseOptionalValue(raw.Domain, "domain"); err != nil {
		return err
	}
	if p.Issuer, err = parseOptionalValue(raw.Issuer, "issuer"); err != nil {
		return err
	}
	return nil
}

func (r *RedisConfig) UnmarshalJSON(data []byte) error {
	type rawRedis struct {
		Addr      json.RawMessage `json:"addr"`
		Sentinel  *SentinelConfig `json:"sentinel"`
		Username  json.RawMessage `json:"username"`
		Password  json.RawMessage `json:"password"`
		DB        int             `json:"db"`
		KeyPrefix string          `json:"keyPrefix"`
	}

	var raw rawRedis
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Sentinel = raw.Sentinel
	r.DB = raw.DB
	r.KeyPrefix = raw.KeyPrefix

	var err error
	if r.Addr, err = parseOptionalValue(raw.Addr, "addr"); err != nil {
		return err
	}
	if r.Username, err = parseOptionalValue(raw.Username, "username"); err != nil {
		return err
	}
	password, err := parseOptionalValue(raw.Password, "password")
	if err != nil {
		return err
	}
	r.Password = Secret(password)
	return nil
}

func (f *FirestoreConfig) UnmarshalJSON(data []byte) error {
	type rawFirestore struct {
		Project    json.RawMessage `json:"project"`
		Database   string          `json:"database"`
		Collection string          `json:"collection"`
	}

	var raw rawFirestore
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if f.Project, err = parseOptionalValue(raw.Project, "project"); err != nil {
		return err
	}
	f.Database = raw.Database
	f.Collection = raw.Collection
	return nil
}

func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind            StorageKind      `json:"kind"`
		CleanupInterval string           `json:"cleanupInterval"`
		Redis           *RedisConfig     `json:"redis"`
		SQLite          *SQLiteConfig    `json:"sqlite"`
		Firestore       *FirestoreConfig `json:"firestore"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.Redis = raw.Redis
	s.SQLite = raw.SQLite
	s.Firestore = raw.Firestore

	// Apply defaults for Firestore configuration
	if s.Firestore != nil {
		if s.Firestore.Database == "" {
			s.Firestore.Database = "(default)"
		}
		if s.Firestore.Collection == "" {
			s.Firestore.Collection = "kvoauth_sessions"
		}
	}

	var err error
	s.CleanupInterval, err = parseDuration(raw.CleanupInterval, "cleanupInterval")
	return err
}

func (s *SessionsConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		OAuthSessionTTL string          `json:"oauthSessionTtl"`
		SiteSessionTTL  string          `json:"siteSessionTtl"`
		EncryptionKey   json.RawMessage `json:"encryptionKey"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.OAuthSessionTTL, err = parseDuration(raw.OAuthSessionTTL, "oauthSessionTtl"); err != nil {
		return err
	}
	if s.SiteSessionTTL, err = parseDuration(raw.SiteSessionTTL, "siteSessionTtl"); err != nil {
		return err
	}
	key, err := parseOptionalValue(raw.EncryptionKey, "encryptionKey")
	if err != nil {
		return err
	}
	s.EncryptionKey = Secret(key)
	return nil
}

// applyDefaults fills the zero values Load leaves behind
func (c *Config) applyDefaults() {
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = 5 * time.Minute
	}
	if c.Sessions.OAuthSessionTTL == 0 {
		c.Sessions.OAuthSessionTTL = 10 * time.Minute
	}
	if c.Sessions.SiteSessionTTL == 0 {
		c.Sessions.SiteSessionTTL = 90 * 24 * time.Hour
	}
}
