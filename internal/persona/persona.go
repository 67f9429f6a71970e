// Package persona builds the agent's system prompt from the markdown files
// in its workspace.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Workspace files, all optional
const (
	SoulFile     = "SOUL.md"
	IdentityFile = "IDENTITY.md"
	RulesFile    = "AGENTS.md"
)

const defaultName = "Teleton"

// Manager loads persona files and renders the system prompt
type Manager struct {
	workspacePath string
	basePrompt    string
	logger        *zap.Logger

	identity *Identity
	soul     string
	rules    string

	timeAwareness *TimeAwareness

	// Caching
	systemPromptCache string
	cacheValid        bool
	cacheMu           sync.RWMutex

	mu sync.RWMutex
}

// Identity represents the agent's name and character
type Identity struct {
	Name        string
	Personality string
	Voice       string
	Values      []string
	Expertise   []string
}

// NewManager creates a persona manager over workspacePath. basePrompt is
// always included ahead of the persona sections.
func NewManager(workspacePath, basePrompt string, loc *time.Location, logger *zap.Logger) (*Manager, error) {
	pm := &Manager{
		workspacePath: workspacePath,
		basePrompt:    basePrompt,
		logger:        logger,
		identity:      &Identity{Name: defaultName},
		timeAwareness: NewTimeAwareness(loc),
	}

	if err := os.MkdirAll(workspacePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := pm.Load(); err != nil {
		logger.Warn("Failed to load persona files, using defaults", zap.Error(err))
	}
	return pm, nil
}

// Load (re)reads the workspace files
func (pm *Manager) Load() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	identity := &Identity{Name: defaultName}
	if data, err := pm.read(IdentityFile); err != nil {
		return err
	} else if data != "" {
		identity = parseIdentity(data)
	}

	soul, err := pm.read(SoulFile)
	if err != nil {
		return err
	}
	rules, err := pm.read(RulesFile)
	if err != nil {
		return err
	}

	pm.identity = identity
	pm.soul = soul
	pm.rules = rules
	pm.InvalidateCache()
	return nil
}

func (pm *Manager) read(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(pm.workspacePath, name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveIdentity writes IDENTITY.md and reloads
func (pm *Manager) SaveIdentity(identity *Identity) error {
	path := filepath.Join(pm.workspacePath, IdentityFile)
	if err := os.WriteFile(path, []byte(identity.String()), 0644); err != nil {
		return fmt.Errorf("failed to save %s: %w", IdentityFile, err)
	}
	return pm.Load()
}

// SystemPrompt builds the complete system prompt. The time section is
// always fresh; everything else is cached until the files are reloaded.
func (pm *Manager) SystemPrompt(isGroup bool) string {
	timeCtx := pm.timeAwareness.GetContext()
	chatCtx := directGuidance
	if isGroup {
		chatCtx = groupGuidance
	}

	pm.cacheMu.RLock()
	if pm.cacheValid {
		cached := pm.systemPromptCache
		pm.cacheMu.RUnlock()
		return cached + "\n\n" + chatCtx + "\n\n" + timeCtx
	}
	pm.cacheMu.RUnlock()

	pm.mu.RLock()
	var parts []string
	if pm.basePrompt != "" {
		parts = append(parts, pm.basePrompt)
	}
	parts = append(parts, pm.getIdentityContext())
	if pm.soul != "" {
		parts = append(parts, "## Soul\n"+pm.soul)
	}
	if pm.rules != "" {
		parts = append(parts, pm.rules)
	}
	pm.mu.RUnlock()

	cachedParts := strings.Join(parts, "\n\n")

	pm.cacheMu.Lock()
	pm.systemPromptCache = cachedParts
	pm.cacheValid = true
	pm.cacheMu.Unlock()

	return cachedParts + "\n\n" + chatCtx + "\n\n" + timeCtx
}

const (
	directGuidance = "## Chat\nThis is a private chat with one user."
	groupGuidance  = "## Chat\nThis is a group chat. Earlier unanswered messages may be replayed ahead of the one addressed to you; answer the addressed message."
)

// InvalidateCache invalidates the system prompt cache
func (pm *Manager) InvalidateCache() {
	pm.cacheMu.Lock()
	pm.cacheValid = false
	pm.systemPromptCache = ""
	pm.cacheMu.Unlock()
}

// GetIdentity returns the agent's identity
func (pm *Manager) GetIdentity() *Identity {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.identity
}

// WorkspacePath returns the workspace path
func (pm *Manager) WorkspacePath() string {
	return pm.workspacePath
}

func (pm *Manager) getIdentityContext() string {
	var parts []string
	parts = append(parts, "## Your Identity")
	parts = append(parts, fmt.Sprintf("You are %s.", pm.identity.Name))

	if pm.identity.Personality != "" {
		parts = append(parts, fmt.Sprintf("Personality: %s", pm.identity.Personality))
	}
	if pm.identity.Voice != "" {
		parts = append(parts, fmt.Sprintf("Communication style: %s", pm.identity.Voice))
	}
	if len(pm.identity.Values) > 0 {
		parts = append(parts, fmt.Sprintf("Values: %s", strings.Join(pm.identity.Values, ", ")))
	}
	if len(pm.identity.Expertise) > 0 {
		parts = append(parts, fmt.Sprintf("Areas of expertise: %s", strings.Join(pm.identity.Expertise, ", ")))
	}

	return strings.Join(parts, "\n")
}

func (i *Identity) String() string {
	var parts []string
	parts = append(parts, "# Identity", "", fmt.Sprintf("Name: %s", i.Name), "")

	if i.Personality != "" {
		parts = append(parts, "## Personality", i.Personality, "")
	}
	if i.Voice != "" {
		parts = append(parts, "## Voice", i.Voice, "")
	}
	if len(i.Values) > 0 {
		parts = append(parts, "## Values")
		for _, v := range i.Values {
			parts = append(parts, fmt.Sprintf("- %s", v))
		}
		parts = append(parts, "")
	}
	if len(i.Expertise) > 0 {
		parts = append(parts, "## Expertise")
		for _, e := range i.Expertise {
			parts = append(parts, fmt.Sprintf("- %s", e))
		}
	}

	return strings.Join(parts, "\n")
}

func parseIdentity(data string) *Identity {
	i := &Identity{Name: defaultName}
	var currentSection string

	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "# ") {
			continue
		}

		if strings.HasPrefix(line, "Name:") {
			if name := strings.TrimSpace(strings.TrimPrefix(line, "Name:")); name != "" {
				i.Name = name
			}
			continue
		}

		if strings.HasPrefix(line, "## ") {
			currentSection = strings.ToLower(strings.TrimPrefix(line, "## "))
			continue
		}

		if strings.HasPrefix(line, "-") {
			item := strings.TrimSpace(strings.TrimPrefix(line, "-"))
			switch currentSection {
			case "values":
				i.Values = append(i.Values, item)
			case "expertise":
				i.Expertise = append(i.Expertise, item)
			}
		} else if currentSection == "personality" {
			i.Personality += line + " "
		} else if currentSection == "voice" {
			i.Voice += line + " "
		}
	}

	i.Personality = strings.TrimSpace(i.Personality)
	i.Voice = strings.TrimSpace(i.Voice)

	return i
}
