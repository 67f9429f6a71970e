// Package onboarding runs the first-run setup that writes teleton.yaml and
// seeds the persona workspace.
package onboarding

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/persona"
)

// ConfigFileName is written into the data directory
const ConfigFileName = "teleton.yaml"

// Wizard handles the interactive setup process
type Wizard struct {
	reader  *bufio.Reader
	out     io.Writer
	logger  *zap.Logger
	dataDir string
	config  *WizardConfig
}

// WizardConfig holds the answers collected during setup
type WizardConfig struct {
	AgentName     string
	Personality   string
	Provider      string
	APIKey        string
	Model         string
	TelegramToken string
	Admins        []int64
	ResetMode     string
	Timezone      string
}

// NewWizard creates a setup wizard that reads answers from in
func NewWizard(in io.Reader, out io.Writer, dataDir string, logger *zap.Logger) *Wizard {
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	return &Wizard{
		reader:  bufio.NewReader(in),
		out:     out,
		logger:  logger,
		dataDir: dataDir,
		config:  &WizardConfig{},
	}
}

// Config returns the collected answers
func (w *Wizard) Config() *WizardConfig {
	return w.config
}

// Run runs the interactive setup wizard
func (w *Wizard) Run() error {
	fmt.Fprint(w.out, SetupWizardWelcome)

	if _, err := os.Stat(w.configPath()); err == nil {
		if !w.confirm(fmt.Sprintf("%s already exists. Overwrite?", w.configPath()), false) {
			fmt.Fprintln(w.out, "Setup cancelled, existing configuration kept.")
			return nil
		}
	}

	if err := os.MkdirAll(w.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	w.setupIdentity()
	if err := w.setupProvider(); err != nil {
		return fmt.Errorf("provider setup failed: %w", err)
	}
	w.setupTelegram()
	w.setupSessions()

	if err := w.writeConfiguration(); err != nil {
		return fmt.Errorf("configuration creation failed: %w", err)
	}
	if err := w.writePersonaFiles(); err != nil {
		return fmt.Errorf("persona creation failed: %w", err)
	}

	w.showCompletion()
	return nil
}

func (w *Wizard) setupIdentity() {
	w.step(1, "Agent Identity")

	w.config.AgentName = w.ask("What should the agent be called?", "Teleton")

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "How should it talk in chats?")
	for i, style := range PersonalityStyles {
		fmt.Fprintf(w.out, "  %d. %s\n", i+1, style)
	}
	choice := w.ask(fmt.Sprintf("Select (1-%d) or describe your own", len(PersonalityStyles)), "1")
	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(PersonalityStyles) {
		w.config.Personality = PersonalityStyles[n-1]
	} else {
		w.config.Personality = choice
	}
}

func (w *Wizard) setupProvider() error {
	w.step(2, "Language Model")

	names := ProviderNames()
	for i, name := range names {
		fmt.Fprintf(w.out, "  %d. %s (%s)\n", i+1, name, Providers[name].Model)
	}
	choice := w.ask(fmt.Sprintf("Select a provider (1-%d)", len(names)), "1")
	w.config.Provider = names[0]
	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(names) {
		w.config.Provider = names[n-1]
	} else if _, ok := Providers[choice]; ok {
		w.config.Provider = choice
	}

	preset := Providers[w.config.Provider]
	for attempt := 0; w.config.APIKey == ""; attempt++ {
		if attempt == 3 {
			return fmt.Errorf("no API key for %s", w.config.Provider)
		}
		w.config.APIKey = w.ask(fmt.Sprintf("Enter your %s API key", w.config.Provider), "")
		if w.config.APIKey == "" {
			fmt.Fprintln(w.out, "An API key is required.")
		}
	}
	w.config.Model = w.ask("Model", preset.Model)
	return nil
}

func (w *Wizard) setupTelegram() {
	w.step(3, "Telegram")

	if !w.confirm("Connect a Telegram bot now?", true) {
		return
	}
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "1. Message @BotFather on Telegram")
	fmt.Fprintln(w.out, "2. Create a new bot with /newbot")
	fmt.Fprintln(w.out, "3. Copy the bot token")
	fmt.Fprintln(w.out)
	w.config.TelegramToken = w.ask("Bot token", "")

	ids := w.ask("Admin user IDs (comma-separated, optional)", "")
	for _, part := range strings.Split(ids, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			w.config.Admins = append(w.config.Admins, id)
		}
	}
}

func (w *Wizard) setupSessions() {
	w.step(4, "Sessions")

	for {
		w.config.ResetMode = w.ask("Session reset mode (never, daily, idle, daily+idle)", "daily")
		switch w.config.ResetMode {
		case "never", "daily", "idle", "daily+idle":
			w.config.Timezone = w.ask("Timezone for daily resets", "Local")
			return
		}
		fmt.Fprintf(w.out, "Unknown reset mode %q\n", w.config.ResetMode)
	}
}

func (w *Wizard) writeConfiguration() error {
	preset := Providers[w.config.Provider]
	file := fileConfig{
		LLM: llmSection{
			DefaultProvider: w.config.Provider,
			Providers: map[string]providerSection{
				w.config.Provider: {
					APIKey:  w.config.APIKey,
					BaseURL: preset.BaseURL,
					Model:   w.config.Model,
				},
			},
		},
		Telegram: telegramSection{
			Enabled:  w.config.TelegramToken != "",
			BotToken: w.config.TelegramToken,
			Admins:   w.config.Admins,
		},
		Session: sessionSection{
			ResetMode: w.config.ResetMode,
			AtHour:    4,
			Timezone:  w.config.Timezone,
		},
		Workspace: w.workspacePath(),
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	header := fmt.Sprintf("# Teleton configuration\n# Generated on %s\n\n", time.Now().Format("2006-01-02"))
	if err := os.WriteFile(w.configPath(), append([]byte(header), data...), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	env := fmt.Sprintf("# Teleton environment\nTELETON_LLM_PROVIDERS_%s_API_KEY=%s\n",
		strings.ToUpper(w.config.Provider), w.config.APIKey)
	if w.config.TelegramToken != "" {
		env += fmt.Sprintf("TELEGRAM_BOT_TOKEN=%s\n", w.config.TelegramToken)
	}
	if err := os.WriteFile(filepath.Join(w.dataDir, ".env"), []byte(env), 0600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}

	w.logger.Info("Configuration written", zap.String("path", w.configPath()))
	return nil
}

func (w *Wizard) writePersonaFiles() error {
	workspace := w.workspacePath()
	pm, err := persona.NewManager(workspace, "", time.Local, w.logger)
	if err != nil {
		return err
	}

	// user edits survive a re-run
	for name, content := range map[string]string{
		persona.SoulFile:  DefaultSoulTemplate,
		persona.RulesFile: DefaultRulesTemplate,
	} {
		path := filepath.Join(workspace, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return pm.SaveIdentity(&persona.Identity{
		Name:        w.config.AgentName,
		Personality: w.config.Personality,
		Voice:       "Short messages that read naturally in a chat",
		Values:      []string{"Honesty", "Privacy", "Helpfulness"},
	})
}

func (w *Wizard) showCompletion() {
	message := SetupCompleteMessage
	message = strings.ReplaceAll(message, "{{.WorkspacePath}}", w.workspacePath())
	message = strings.ReplaceAll(message, "{{.ConfigPath}}", w.configPath())
	fmt.Fprint(w.out, message)
}

func (w *Wizard) configPath() string {
	return filepath.Join(w.dataDir, ConfigFileName)
}

func (w *Wizard) workspacePath() string {
	return filepath.Join(w.dataDir, "workspace")
}

func (w *Wizard) step(n int, title string) {
	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "Step %d: %s\n", n, title)
	fmt.Fprintln(w.out, strings.Repeat("-", 40))
}

// ask prints a prompt and returns the trimmed answer, or def on an empty line
func (w *Wizard) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, _ := w.reader.ReadString('\n')
	if line = strings.TrimSpace(line); line == "" {
		return def
	}
	return line
}

func (w *Wizard) confirm(prompt string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(w.out, "%s (%s): ", prompt, hint)
	line, _ := w.reader.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	return def
}

// NeedsSetup reports whether dataDir has no config file yet
func NeedsSetup(dataDir string) bool {
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	_, err := os.Stat(filepath.Join(dataDir, ConfigFileName))
	return os.IsNotExist(err)
}
