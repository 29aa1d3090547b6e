package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateDocument(data), nil
}

// ValidateDocument is ValidateFile for an in-memory document
func ValidateDocument(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", Version)
	} else if version != Version {
		result.addError("version", "unsupported version '%s' - use '%s'", version, Version)
	}

	validateServerStructure(rawConfig, result)
	validateProviderStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateSessionsStructure(rawConfig, result)

	return result
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}
	if baseURL, ok := server["baseURL"].(string); ok && !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		result.addError("server.baseURL", "baseURL must start with http:// or https://")
	}
}

var providerKinds = []string{
	string(ProviderGitHub), string(ProviderGoogle), string(ProviderGitLab), string(ProviderDiscord),
	string(ProviderOkta), string(ProviderAuth0), string(ProviderOIDC), string(ProviderCustom),
}

func validateProviderStructure(rawConfig map[string]any, result *ValidationResult) {
	provider, ok := rawConfig["provider"].(map[string]any)
	if !ok {
		result.addError("provider", "provider field is required and must be an object")
		return
	}

	kind, _ := provider["kind"].(string)
	if !slices.Contains(providerKinds, kind) {
		result.addError("provider.kind", "kind must be one of: %s", strings.Join(providerKinds, ", "))
	}
	if _, ok := provider["redirectUri"]; !ok {
		result.addError("provider.redirectUri", "redirectUri is required. Example: \"https://app.example.com/callback\"")
	}

	if secret, ok := provider["clientSecret"]; ok {
		if verr := validateEnvVarReference(secret, "clientSecret", "provider.clientSecret"); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	} else if kind != "" {
		result.addWarning("provider.clientSecret", "clientSecret not set, %s_CLIENT_SECRET will be read from the environment", strings.ToUpper(kind))
	}

	switch ProviderKind(kind) {
	case ProviderOkta, ProviderAuth0:
		if _, ok := provider["domain"]; !ok {
			result.addError("provider.domain", "domain is required for %s", kind)
		}
	case ProviderOIDC:
		if _, ok := provider["issuer"]; !ok {
			result.addError("provider.issuer", "issuer is required for oidc. Example: \"https://accounts.example.com\"")
		}
	case ProviderCustom:
		for _, field := range []string{"authorizationUrl", "tokenUrl"} {
			if _, ok := provider[field]; !ok {
				result.addError("provider."+field, "%s is required for custom providers", field)
			}
		}
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		result.addWarning("storage", "storage not configured, sessions are kept in memory")
		return
	}

	validateDurationField(storage, "cleanupInterval", "storage.cleanupInterval", result)

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageMemory:
	case StorageRedis:
		redis, ok := storage["redis"].(map[string]any)
		if !ok {
			result.addError("storage.redis", "redis storage requires a redis object")
			return
		}
		_, hasAddr := redis["addr"]
		_, hasSentinel := redis["sentinel"]
		if hasAddr == hasSentinel {
			result.addError("storage.redis", "exactly one of addr or sentinel is required")
		}
		if password, ok := redis["password"]; ok {
			if verr := validateEnvVarReference(password, "password", "storage.redis.password"); verr != nil {
				result.Errors = append(result.Errors, *verr)
			}
		}
	case StorageSQLite:
		sqlite, _ := storage["sqlite"].(map[string]any)
		if _, ok := sqlite["path"]; !ok {
			result.addError("storage.sqlite.path", "path is required for sqlite storage")
		}
	case StorageFirestore:
		firestore, _ := storage["firestore"].(map[string]any)
		if _, ok := firestore["project"]; !ok {
			result.addError("storage.firestore.project", "project is required for firestore storage")
		}
	default:
		result.addError("storage.kind", "kind must be one of: memory, redis, sqlite, firestore")
	}
}

func validateSessionsStructure(rawConfig map[string]any, result *ValidationResult) {
	sessions, ok := rawConfig["sessions"].(map[string]any)
	if !ok {
		return
	}
	validateDurationField(sessions, "oauthSessionTtl", "sessions.oauthSessionTtl", result)
	validateDurationField(sessions, "siteSessionTtl", "sessions.siteSessionTtl", result)

	if key, ok := sessions["encryptionKey"]; ok {
		if verr := validateEnvVarReference(key, "encryptionKey", "sessions.encryptionKey"); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	}
}

func validateDurationField(obj map[string]any, field, path string, result *ValidationResult) {
	raw, ok := obj[field]
	if !ok {
		return
	}
	s, ok := raw.(string)
	if !ok {
		result.addError(path, "%s must be a duration string. Example: \"10m\"", field)
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.addError(path, "invalid duration %q: %v", s, err)
		return
	}
	if d < 0 {
		result.addError(path, "%s cannot be negative", field)
	}
}

// validateEnvVarReference checks that a secret is an {"$env": ...} object
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	if _, isString := value.(string); isString {
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference for security. Hint: {\"$env\": \"%s\"}", fieldName, strings.ToUpper(fieldName)),
		}
	}
	ref, ok := value.(map[string]any)
	if !ok {
		return &ValidationError{Path: path, Message: fmt.Sprintf("%s must be an {\"$env\": \"VAR_NAME\"} object", fieldName)}
	}
	envVar, ok := ref["$env"].(string)
	if !ok || envVar == "" {
		return &ValidationError{Path: path, Message: fmt.Sprintf("%s must use {\"$env\": \"VAR_NAME\"} format", fieldName)}
	}
	return nil
}

func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		// Skip if this is already an env ref
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
