package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0600))
}

func TestEnvFilePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	paths := EnvFilePaths("/srv/teleton")
	assert.Equal(t, []string{
		".env",
		filepath.Join("/srv/teleton", ".env"),
		filepath.Join(home, ".config", "teleton", ".env"),
	}, paths)
}

func TestLoadEnvFiles_Precedence(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	work := t.TempDir()
	t.Chdir(work)
	data := t.TempDir()

	writeEnv(t, work, "TELETON_TEST_SHARED=from-workdir\n")
	writeEnv(t, data, "TELETON_TEST_SHARED=from-data\nTELETON_TEST_QUOTED=\"two words\"\nTELETON_TEST_SET=from-file\n")
	writeEnv(t, filepath.Join(home, ".config", "teleton"), "TELETON_TEST_HOME=from-home\n")

	t.Setenv("TELETON_TEST_SET", "from-env")
	for _, key := range []string{"TELETON_TEST_SHARED", "TELETON_TEST_QUOTED", "TELETON_TEST_HOME"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	require.NoError(t, LoadEnvFiles(data))

	assert.Equal(t, "from-workdir", os.Getenv("TELETON_TEST_SHARED"))
	assert.Equal(t, "two words", os.Getenv("TELETON_TEST_QUOTED"))
	assert.Equal(t, "from-env", os.Getenv("TELETON_TEST_SET"))
	assert.Equal(t, "from-home", os.Getenv("TELETON_TEST_HOME"))
}

func TestLoadEnvFiles_NoFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	assert.NoError(t, LoadEnvFiles(t.TempDir()))
}

func TestLoadEnvFiles_FeedsConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	data := t.TempDir()
	writeEnv(t, data, "GROQ_API_KEY=gsk-from-file\nTELETON_LLM_DEFAULT_PROVIDER=groq\n")
	for _, key := range []string{"GROQ_API_KEY", "TELETON_LLM_PROVIDERS_GROQ_API_KEY", "TELETON_LLM_DEFAULT_PROVIDER"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	require.NoError(t, LoadEnvFiles(data))
	cfg, err := Load("", data)
	require.NoError(t, err)
	assert.Equal(t, "groq", cfg.LLM.DefaultProvider)
	assert.Equal(t, "gsk-from-file", cfg.LLM.Providers["groq"].APIKey)
}

func TestResolveEnvWithAliases(t *testing.T) {
	t.Setenv("TELETON_TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	assert.Empty(t, ResolveEnvWithAliases("TELETON_TELEGRAM_BOT_TOKEN"))

	t.Setenv("TELEGRAM_BOT_TOKEN", "alias_value")
	assert.Equal(t, "alias_value", ResolveEnvWithAliases("TELETON_TELEGRAM_BOT_TOKEN"))

	t.Setenv("TELETON_TELEGRAM_BOT_TOKEN", "canonical_value")
	assert.Equal(t, "canonical_value", ResolveEnvWithAliases("TELETON_TELEGRAM_BOT_TOKEN"))
}

func TestGetEnvDefault(t *testing.T) {
	t.Setenv("TELETON_TEST_DEFAULT", "")
	assert.Equal(t, "fallback", GetEnvDefault("TELETON_TEST_DEFAULT", "fallback"))
	t.Setenv("TELETON_TEST_DEFAULT", "set")
	assert.Equal(t, "set", GetEnvDefault("TELETON_TEST_DEFAULT", "fallback"))
}

func TestMissingEnvError(t *testing.T) {
	err := &MissingEnvError{Setting: "telegram.bot_token", Key: "TELETON_TELEGRAM_BOT_TOKEN"}
	assert.Equal(t, "telegram.bot_token is required (set it in the config file or TELETON_TELEGRAM_BOT_TOKEN / TELEGRAM_BOT_TOKEN)", err.Error())

	err = &MissingEnvError{Setting: "llm.providers.local.api_key", Key: "TELETON_LLM_PROVIDERS_LOCAL_API_KEY"}
	assert.Equal(t, "llm.providers.local.api_key is required (set it in the config file or TELETON_LLM_PROVIDERS_LOCAL_API_KEY)", err.Error())
}
