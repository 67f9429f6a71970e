package tools

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ConfigStore persists runtime overrides (badger KV in production)
type ConfigStore interface {
	GetKV(key string) ([]byte, error)
	SetKV(key string, value []byte) error
	DeleteKV(key string) error
	ListKV(prefix string) (map[string][]byte, error)
}

const (
	kvEnabledPrefix = "tools:enabled:"
	kvScopePrefix   = "tools:scope:"
	kvPermPrefix    = "tools:perm:"
)

type overrides struct {
	mu       sync.RWMutex
	disabled map[string]bool
	scopes   map[string]Scope
	perms    map[string]map[string]PermissionLevel // chat -> module -> level
}

func newOverrides() *overrides {
	return &overrides{
		disabled: make(map[string]bool),
		scopes:   make(map[string]Scope),
		perms:    make(map[string]map[string]PermissionLevel),
	}
}

func (o *overrides) isDisabled(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.disabled[name]
}

func (o *overrides) scope(name string) (Scope, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.scopes[name]
	return s, ok
}

func (o *overrides) permission(chatKey, module string) PermissionLevel {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if byModule, ok := o.perms[chatKey]; ok {
		if lvl, ok := byModule[module]; ok {
			return lvl
		}
	}
	return PermissionOpen
}

// LoadConfig reads persisted overrides from store
func (r *Registry) LoadConfig(store ConfigStore) error {
	enabled, err := store.ListKV(kvEnabledPrefix)
	if err != nil {
		return fmt.Errorf("failed to load tool enable flags: %w", err)
	}
	scopes, err := store.ListKV(kvScopePrefix)
	if err != nil {
		return fmt.Errorf("failed to load tool scopes: %w", err)
	}
	perms, err := store.ListKV(kvPermPrefix)
	if err != nil {
		return fmt.Errorf("failed to load module permissions: %w", err)
	}

	o := r.overrides
	o.mu.Lock()
	defer o.mu.Unlock()

	for k, v := range enabled {
		on, err := strconv.ParseBool(string(v))
		if err != nil {
			continue
		}
		o.disabled[strings.TrimPrefix(k, kvEnabledPrefix)] = !on
	}
	for k, v := range scopes {
		s := Scope(v)
		if s.Valid() {
			o.scopes[strings.TrimPrefix(k, kvScopePrefix)] = s
		}
	}
	for k, v := range perms {
		rest := strings.TrimPrefix(k, kvPermPrefix)
		i := strings.LastIndexByte(rest, ':')
		if i <= 0 {
			continue
		}
		lvl := PermissionLevel(v)
		if !lvl.Valid() {
			continue
		}
		chat, module := rest[:i], rest[i+1:]
		if o.perms[chat] == nil {
			o.perms[chat] = make(map[string]PermissionLevel)
		}
		o.perms[chat][module] = lvl
	}
	return nil
}

// SetEnabled toggles a tool. store may be nil for non-persistent changes.
func (r *Registry) SetEnabled(store ConfigStore, name string, enabled bool) error {
	if store != nil {
		if err := store.SetKV(kvEnabledPrefix+name, []byte(strconv.FormatBool(enabled))); err != nil {
			return err
		}
	}
	r.overrides.mu.Lock()
	r.overrides.disabled[name] = !enabled
	r.overrides.mu.Unlock()
	return nil
}

// SetScopeOverride replaces a tool's declared scope. An empty scope clears
// the override.
func (r *Registry) SetScopeOverride(store ConfigStore, name string, scope Scope) error {
	if scope != "" && !scope.Valid() {
		return fmt.Errorf("invalid scope %q", scope)
	}
	if store != nil {
		var err error
		if scope == "" {
			err = store.DeleteKV(kvScopePrefix + name)
		} else {
			err = store.SetKV(kvScopePrefix+name, []byte(scope))
		}
		if err != nil {
			return err
		}
	}
	r.overrides.mu.Lock()
	if scope == "" {
		delete(r.overrides.scopes, name)
	} else {
		r.overrides.scopes[name] = scope
	}
	r.overrides.mu.Unlock()
	return nil
}

// SetModulePermission sets a module's level inside one chat
func (r *Registry) SetModulePermission(store ConfigStore, chatKey, module string, level PermissionLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid permission level %q", level)
	}
	if store != nil {
		if err := store.SetKV(kvPermPrefix+chatKey+":"+module, []byte(level)); err != nil {
			return err
		}
	}
	r.overrides.mu.Lock()
	if r.overrides.perms[chatKey] == nil {
		r.overrides.perms[chatKey] = make(map[string]PermissionLevel)
	}
	r.overrides.perms[chatKey][module] = level
	r.overrides.mu.Unlock()
	return nil
}

// ModulePermission returns a module's level inside one chat (open by default)
func (r *Registry) ModulePermission(chatKey, module string) PermissionLevel {
	return r.overrides.permission(chatKey, module)
}
