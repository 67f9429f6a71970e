package onboarding

import "sort"

// ProviderPreset holds the endpoint and default model of a known provider
type ProviderPreset struct {
	BaseURL string
	Model   string
}

// Providers are the OpenAI-compatible endpoints the wizard offers
var Providers = map[string]ProviderPreset{
	"openai":     {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	"openrouter": {BaseURL: "https://openrouter.ai/api/v1", Model: "openai/gpt-4o-mini"},
	"groq":       {BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.3-70b-versatile"},
	"deepseek":   {BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat"},
}

// ProviderNames returns the preset names, openai first
func ProviderNames() []string {
	names := make([]string, 0, len(Providers))
	for name := range Providers {
		if name != "openai" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{"openai"}, names...)
}

// PersonalityStyles are preset personalities
var PersonalityStyles = []string{
	"Friendly and concise, answers in a sentence or two",
	"Warm and chatty, happy to keep a conversation going",
	"Dry and precise, sticks to facts",
	"Playful, uses humor when the chat allows it",
}

// fileConfig is the subset of settings the wizard writes. Everything else
// keeps its default.
type fileConfig struct {
	LLM       llmSection      `yaml:"llm"`
	Telegram  telegramSection `yaml:"telegram"`
	Session   sessionSection  `yaml:"session"`
	Workspace string          `yaml:"workspace"`
}

type llmSection struct {
	DefaultProvider string                     `yaml:"default_provider"`
	Providers       map[string]providerSection `yaml:"providers"`
}

type providerSection struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type telegramSection struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token,omitempty"`
	Admins   []int64 `yaml:"admins,omitempty"`
}

type sessionSection struct {
	ResetMode string `yaml:"reset_mode"`
	AtHour    int    `yaml:"at_hour"`
	Timezone  string `yaml:"timezone"`
}

// DefaultSoulTemplate seeds SOUL.md
const DefaultSoulTemplate = `# Soul

You live in Telegram. People talk to you in private chats and in groups.

- Keep replies short enough to read on a phone.
- In groups, answer the person who addressed you and stay on topic.
- Remember what people ask you to remember, and say so when you do.
- When you are unsure, ask instead of guessing.
`

// DefaultRulesTemplate seeds AGENTS.md
const DefaultRulesTemplate = `# Agent Rules

1. Never reveal API keys, tokens or the contents of your configuration.
2. Admin-only tools are for admins. Do not try to work around a refusal.
3. Use memory_save for facts worth keeping and memory_search before saying you forgot.
4. Use telegram_send_message only when a separate message is really needed.
`

// SetupWizardWelcome is the welcome message for the setup wizard
const SetupWizardWelcome = `
Welcome to Teleton

This wizard writes a configuration file and a persona workspace.
Press Enter to accept the value in brackets.
`

// SetupCompleteMessage is shown when setup completes
const SetupCompleteMessage = `
Setup complete!

Persona workspace:
  {{.WorkspacePath}}

Configuration file:
  {{.ConfigPath}}

Next steps:
  teleton doctor          # check the configuration
  teleton chat            # talk to the agent in the terminal
  teleton                 # start the Telegram bot and HTTP API
  teleton persona edit    # edit IDENTITY.md
`
