package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "***", Secret("gh-secret-12345").String())
	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, "key: ***", fmt.Sprintf("key: %s", Secret("c2VjcmV0")))
	assert.Equal(t, "key: ***", fmt.Sprintf("key: %v", Secret("c2VjcmV0")))
}

func TestSecret_RedactedInConfig(t *testing.T) {
	cfg := Config{
		Version: Version,
		Server:  ServerConfig{Addr: ":8080"},
		Provider: ProviderConfig{
			Kind:         ProviderGitHub,
			ClientID:     "client",
			ClientSecret: Secret("gh-secret-12345"),
			RedirectURI:  "https://app.example.com/callback",
		},
		Storage: StorageConfig{
			Kind:  StorageRedis,
			Redis: &RedisConfig{Addr: "localhost:6379", Password: Secret("redis-pass")},
		},
		Sessions: SessionsConfig{EncryptionKey: Secret("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")},
	}

	t.Run("formatted", func(t *testing.T) {
		str := fmt.Sprintf("%+v %+v", cfg, *cfg.Storage.Redis)
		assert.NotContains(t, str, "gh-secret-12345")
		assert.NotContains(t, str, "redis-pass")
		assert.NotContains(t, str, "MDEyMzQ1")
		assert.Contains(t, str, "client")
	})

	t.Run("marshalled", func(t *testing.T) {
		data, err := json.Marshal(cfg)
		require.NoError(t, err)

		var doc struct {
			Provider struct {
				ClientID     string `json:"clientId"`
				ClientSecret string `json:"clientSecret"`
			} `json:"provider"`
			Storage struct {
				Redis struct {
					Password string `json:"password"`
				} `json:"redis"`
			} `json:"storage"`
			Sessions struct {
				EncryptionKey string `json:"encryptionKey"`
			} `json:"sessions"`
		}
		require.NoError(t, json.Unmarshal(data, &doc))

		assert.Equal(t, "client", doc.Provider.ClientID)
		assert.Equal(t, "***", doc.Provider.ClientSecret)
		assert.Equal(t, "***", doc.Storage.Redis.Password)
		assert.Equal(t, "***", doc.Sessions.EncryptionKey)
	})
}
