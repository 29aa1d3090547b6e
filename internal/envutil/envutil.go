package envutil

import (
	"os"
	"strings"
)

// IsDev checks if we're running in development mode
// where security requirements can be relaxed for testing
func IsDev() bool {
	env := strings.ToLower(os.Getenv("KVOAUTH_ENV"))
	return env == "development" || env == "dev"
}

// Prefixed returns the value of <PREFIX>_<NAME>, with the prefix upper-cased
// and dashes turned into underscores
func Prefixed(prefix, name string) string {
	key := strings.ToUpper(strings.ReplaceAll(prefix, "-", "_")) + "_" + name
	return os.Getenv(key)
}
