package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFilePaths lists the .env files read at startup, highest precedence
// first: the working directory, the data directory, then ~/.config/teleton.
func EnvFilePaths(dataDir string) []string {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	paths := []string{".env", filepath.Join(dataDir, ".env")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "teleton", ".env"))
	}
	return paths
}

// LoadEnvFiles loads whichever of EnvFilePaths exist. Variables already in
// the environment are never overridden, and an earlier file wins over a
// later one.
func LoadEnvFiles(dataDir string) error {
	var existing []string
	for _, path := range EnvFilePaths(dataDir) {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// GetEnvDefault returns the variable or fallback when unset
func GetEnvDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// envAliases maps TELETON_* keys to the names other tools already use
var envAliases = map[string][]string{
	"TELETON_LLM_PROVIDERS_OPENAI_API_KEY":     {"OPENAI_API_KEY"},
	"TELETON_LLM_PROVIDERS_OPENROUTER_API_KEY": {"OPENROUTER_API_KEY"},
	"TELETON_LLM_PROVIDERS_GROQ_API_KEY":       {"GROQ_API_KEY"},
	"TELETON_LLM_PROVIDERS_DEEPSEEK_API_KEY":   {"DEEPSEEK_API_KEY"},
	"TELETON_TELEGRAM_BOT_TOKEN":               {"TELEGRAM_BOT_TOKEN"},
	"TELETON_SECURITY_JWT_SECRET":              {"TELETON_JWT_SECRET"},
}

// ResolveEnvWithAliases reads canonicalKey, falling back to its aliases
func ResolveEnvWithAliases(canonicalKey string) string {
	if val := os.Getenv(canonicalKey); val != "" {
		return val
	}
	for _, alias := range envAliases[canonicalKey] {
		if val := os.Getenv(alias); val != "" {
			return val
		}
	}
	return ""
}

// MissingEnvError reports a required secret that is neither in the config
// file nor in the environment.
type MissingEnvError struct {
	Setting string
	Key     string
}

func (e *MissingEnvError) Error() string {
	msg := e.Setting + " is required (set it in the config file or " + e.Key
	if aliases := envAliases[e.Key]; len(aliases) > 0 {
		msg += " / " + aliases[0]
	}
	return msg + ")"
}
