// Package cli implements the teleton subcommands that inspect or change
// local state without starting the agent.
package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/api"
	"github.com/therenovatio/teleton-agent-sub000/internal/app"
	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/persona"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

var Version = "dev"

func HandlePersonaCommand(cfg *config.Config, args []string, out io.Writer) error {
	pm, err := persona.NewManager(cfg.Workspace, "", cfg.Session.Location(), zap.NewNop())
	if err != nil {
		return err
	}
	identityPath := filepath.Join(pm.WorkspacePath(), persona.IdentityFile)

	if len(args) == 0 {
		identity := pm.GetIdentity()
		fmt.Fprintln(out, "Current AI Identity:")
		fmt.Fprintln(out, "====================")
		fmt.Fprintf(out, "Name: %s\n", identity.Name)
		fmt.Fprintf(out, "Personality: %s\n", identity.Personality)
		fmt.Fprintf(out, "Voice: %s\n", identity.Voice)
		fmt.Fprintf(out, "Values: %v\n", identity.Values)
		fmt.Fprintf(out, "Expertise: %v\n", identity.Expertise)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "To edit: teleton persona edit")
		return nil
	}

	switch args[0] {
	case "edit":
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "nano"
		}
		path, err := exec.LookPath(editor)
		if err != nil {
			return err
		}
		return syscall.Exec(path, []string{editor, identityPath}, os.Environ())

	case "show":
		data, err := os.ReadFile(identityPath)
		if os.IsNotExist(err) {
			fmt.Fprintln(out, pm.GetIdentity().String())
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading identity: %w", err)
		}
		fmt.Fprintln(out, string(data))

	case "prompt":
		fmt.Fprintln(out, pm.SystemPrompt(len(args) > 1 && args[1] == "group"))

	case "path":
		fmt.Fprintln(out, pm.WorkspacePath())

	default:
		fmt.Fprintln(out, "Usage: teleton persona [edit|show|prompt [group]|path]")
	}
	return nil
}

func HandleConfigCommand(cfg *config.Config, configPath string, args []string, out io.Writer) error {
	if len(args) == 0 {
		PrintConfigHelp(out)
		return nil
	}
	if configPath == "" {
		configPath = filepath.Join(cfg.Storage.DataDir, "teleton.yaml")
	}

	switch args[0] {
	case "get":
		if len(args) < 2 {
			fmt.Fprintln(out, "Usage: teleton config get <key>")
			fmt.Fprintln(out, "Example: teleton config get llm.default_provider")
			return nil
		}
		return printConfigValue(cfg, args[1], out)

	case "path":
		fmt.Fprintln(out, configPath)

	case "show", "view":
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("error reading config: %w", err)
		}
		fmt.Fprintln(out, string(data))

	default:
		PrintConfigHelp(out)
	}
	return nil
}

func configValues(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"llm.default_provider": cfg.LLM.DefaultProvider,
		"server.enabled":       cfg.Server.Enabled,
		"server.port":          cfg.Server.Port,
		"server.address":       cfg.Server.Address,
		"storage.data_dir":     cfg.Storage.DataDir,
		"telegram.enabled":     cfg.Telegram.Enabled,
		"telegram.group_mode":  cfg.Telegram.GroupMode,
		"agent.max_iterations": cfg.Agent.MaxIterations,
		"agent.tool_timeout":   cfg.Agent.ToolTimeout,
		"session.reset_mode":   cfg.Session.ResetMode,
		"session.at_hour":      cfg.Session.AtHour,
		"session.idle_minutes": cfg.Session.IdleMinutes,
		"session.timezone":     cfg.Session.Timezone,
		"compaction.enabled":   cfg.Compaction.Enabled,
		"tools.rag.enabled":    cfg.Tools.RAG.Enabled,
		"plugins.dir":          cfg.Plugins.Dir,
		"workspace":            cfg.Workspace,
		"log.level":            cfg.Log.Level,
	}
}

func printConfigValue(cfg *config.Config, key string, out io.Writer) error {
	values := configValues(cfg)
	v, ok := values[key]
	if !ok {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown key %s (available: %s)", key, strings.Join(keys, ", "))
	}
	fmt.Fprintln(out, v)
	return nil
}

// HandleToolsCommand lists or toggles tools. Changes persist in the store
// and are picked up by a running agent on restart.
func HandleToolsCommand(a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "list" {
		list := a.Registry.All()
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

		fmt.Fprintln(out, "Registered Tools:")
		fmt.Fprintln(out, "=================")
		for _, t := range list {
			scope, _ := a.Registry.EffectiveScope(t.Name)
			fmt.Fprintf(out, "  %-28s %-10s %-12s %s\n", t.Name, enabledLabel(a.Registry.IsEnabled(t.Name)), scope, t.Module)
		}
		fmt.Fprintf(out, "\n%d tools\n", len(list))
		return nil
	}

	if len(args) < 2 {
		fmt.Fprintln(out, "Usage: teleton tools [list|enable <tool>|disable <tool>|scope <tool> <scope>]")
		return nil
	}
	name := args[1]
	if _, ok := a.Registry.EffectiveScope(name); !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	switch args[0] {
	case "enable", "disable":
		on := args[0] == "enable"
		if err := a.Registry.SetEnabled(a.Store, name, on); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %sd\n", name, args[0])

	case "scope":
		if len(args) < 3 {
			return fmt.Errorf("usage: teleton tools scope <tool> <always|dm-only|group-only|admin-only|reset>")
		}
		scope := tools.Scope(args[2])
		if args[2] == "reset" {
			scope = ""
		}
		if err := a.Registry.SetScopeOverride(a.Store, name, scope); err != nil {
			return err
		}
		effective, _ := a.Registry.EffectiveScope(name)
		fmt.Fprintf(out, "%s scope: %s\n", name, effective)

	default:
		return fmt.Errorf("unknown tools action %q", args[0])
	}
	return nil
}

// HandleTokenCommand prints a bearer token for the HTTP API
func HandleTokenCommand(cfg *config.Config, args []string, out io.Writer) error {
	subject := "admin"
	ttl := 24 * time.Hour
	if len(args) > 0 {
		subject = args[0]
	}
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
		ttl = d
	}

	token, err := api.IssueToken(cfg.Security.JWTSecret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func HandleChannelsCommand(cfg *config.Config, out io.Writer) {
	fmt.Fprintln(out, "Channel Status:")
	fmt.Fprintln(out, "===============")
	fmt.Fprintf(out, "Telegram: %s\n", channelStatus(cfg.Telegram.Enabled))
	if cfg.Telegram.Enabled {
		fmt.Fprintf(out, "  Bot Token: %s\n", maskToken(cfg.Telegram.BotToken))
		fmt.Fprintf(out, "  Group Mode: %s\n", cfg.Telegram.GroupMode)
		fmt.Fprintf(out, "  Allow List: %d users\n", len(cfg.Telegram.AllowList))
		fmt.Fprintf(out, "  Admins: %d users\n", len(cfg.Telegram.Admins))
	}
	fmt.Fprintf(out, "HTTP API: %s\n", channelStatus(cfg.Server.Enabled))
	if cfg.Server.Enabled {
		fmt.Fprintf(out, "  Address: %s:%d\n", cfg.Server.Address, cfg.Server.Port)
	}
}

func channelStatus(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func maskToken(token string) string {
	if len(token) < 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func HandleStatusCommand(cfg *config.Config, out io.Writer) {
	fmt.Fprintln(out, "Teleton Status")
	fmt.Fprintln(out, "==============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Version:   %s\n", Version)
	fmt.Fprintf(out, "Data:      %s\n", cfg.Storage.DataDir)
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Workspace)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Channels:")
	fmt.Fprintf(out, "  Telegram: %s\n", channelStatus(cfg.Telegram.Enabled))
	fmt.Fprintf(out, "  HTTP API: %s\n", channelStatus(cfg.Server.Enabled))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "LLM Provider:")
	fmt.Fprintf(out, "  Default: %s\n", cfg.LLM.DefaultProvider)
	if p, ok := cfg.GetProvider(cfg.LLM.DefaultProvider); ok {
		fmt.Fprintf(out, "  Model:   %s\n", p.Model)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Sessions:")
	fmt.Fprintf(out, "  Reset: %s (at %02d:00, idle %d min, %s)\n",
		cfg.Session.ResetMode, cfg.Session.AtHour, cfg.Session.IdleMinutes, cfg.Session.Location())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Run 'teleton doctor' for diagnostics")
}

// HandleDoctorCommand prints diagnostics and returns the number of issues
func HandleDoctorCommand(cfg *config.Config, loadErr error, out io.Writer) int {
	fmt.Fprintln(out, "Teleton Diagnostics")
	fmt.Fprintln(out, "===================")
	fmt.Fprintln(out)

	if loadErr != nil || cfg == nil {
		fmt.Fprintln(out, "[FAIL] Config: error loading configuration")
		if loadErr != nil {
			fmt.Fprintf(out, "       %v\n", loadErr)
		}
		return 1
	}
	fmt.Fprintln(out, "[ OK ] Config: loaded successfully")

	issues := 0
	check := func(ok bool, good, bad, hint string) {
		if ok {
			fmt.Fprintf(out, "[ OK ] %s\n", good)
			return
		}
		fmt.Fprintf(out, "[WARN] %s\n", bad)
		if hint != "" {
			fmt.Fprintf(out, "       %s\n", hint)
		}
		issues++
	}

	check(dirExists(cfg.Storage.DataDir), "Data directory: "+cfg.Storage.DataDir, "Data directory does not exist", "")

	p, ok := cfg.GetProvider(cfg.LLM.DefaultProvider)
	check(ok && p.APIKey != "", "LLM provider: "+cfg.LLM.DefaultProvider,
		"LLM provider not configured", "Set TELETON_LLM_PROVIDERS_OPENAI_API_KEY or edit teleton.yaml")

	if cfg.Telegram.Enabled {
		check(cfg.Telegram.BotToken != "", "Telegram bot token set", "Telegram enabled without a bot token", "Set TELETON_TELEGRAM_BOT_TOKEN")
		check(len(cfg.Telegram.Admins) > 0, "Telegram admins configured", "No Telegram admins configured", "Admin-only tools will be unavailable")
	}

	_, err := os.Stat(filepath.Join(cfg.Workspace, persona.SoulFile))
	check(err == nil, "Persona: "+persona.SoulFile+" found", "Persona: no "+persona.SoulFile+" in workspace", "The default persona is used")

	check(dirExists(cfg.Plugins.Dir), "Plugins directory: "+cfg.Plugins.Dir, "Plugins directory does not exist", "It is created when hot reload starts")

	fmt.Fprintln(out)
	if issues == 0 {
		fmt.Fprintln(out, "All checks passed!")
	} else {
		fmt.Fprintf(out, "Found %d issue(s).\n", issues)
	}
	return issues
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
