package tools

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// RegisterPluginTools adds owner's tools alongside anything it already
// registered. Names held by another owner or by a built-in are rejected and
// skipped. It returns the number of tools installed.
func (r *Registry) RegisterPluginTools(owner string, defs []PluginTool) (int, error) {
	if owner == "" {
		return 0, fmt.Errorf("plugin owner is required")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	m := cur.clone()
	added := r.installLocked(m, owner, defs)

	r.current.Store(newSnapshot(m))
	if len(added) > 0 {
		r.notify(Change{Owner: owner, Added: added})
	}
	return len(added), nil
}

// ReplacePluginTools swaps owner's whole tool set in one step: readers see
// either the old set or the new one, never a mix.
func (r *Registry) ReplacePluginTools(owner string, defs []PluginTool) (int, error) {
	if owner == "" {
		return 0, fmt.Errorf("plugin owner is required")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	m := cur.clone()
	removed := removeOwned(m, owner)
	added := r.installLocked(m, owner, defs)

	r.current.Store(newSnapshot(m))
	if len(removed) > 0 || len(added) > 0 {
		r.notify(Change{Owner: owner, Removed: removed, Added: added})
	}

	r.logger.Info("Plugin tools replaced",
		zap.String("owner", owner),
		zap.Int("removed", len(removed)),
		zap.Int("added", len(added)),
	)
	return len(added), nil
}

// RemovePluginTools drops every tool owner registered
func (r *Registry) RemovePluginTools(owner string) int {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	m := cur.clone()
	removed := removeOwned(m, owner)
	if len(removed) == 0 {
		return 0
	}

	r.current.Store(newSnapshot(m))
	r.notify(Change{Owner: owner, Removed: removed})

	r.logger.Info("Plugin tools removed",
		zap.String("owner", owner),
		zap.Int("removed", len(removed)),
	)
	return len(removed)
}

// PluginToolNames lists the tools owner currently holds
func (r *Registry) PluginToolNames(owner string) []string {
	snap := r.current.Load()
	var names []string
	for _, n := range snap.names {
		if snap.tools[n].def.Owner == owner {
			names = append(names, n)
		}
	}
	return names
}

// installLocked adds defs to m, skipping collisions and bad definitions
func (r *Registry) installLocked(m map[string]*entry, owner string, defs []PluginTool) []Tool {
	var added []Tool
	for _, d := range defs {
		name := d.Tool.Name
		if name == "" || d.Executor == nil {
			r.logger.Warn("Skipping incomplete plugin tool",
				zap.String("owner", owner),
				zap.String("tool", name),
			)
			continue
		}
		if existing, ok := m[name]; ok && existing.def.Owner != owner {
			holder := existing.def.Owner
			if holder == "" {
				holder = "core"
			}
			r.logger.Warn("Plugin tool name collision, skipping",
				zap.String("owner", owner),
				zap.String("tool", name),
				zap.String("held_by", holder),
			)
			continue
		}

		e, err := r.prepare(d.Tool, d.Executor, owner)
		if err != nil {
			r.logger.Warn("Skipping invalid plugin tool",
				zap.String("owner", owner),
				zap.String("tool", name),
				zap.Error(err),
			)
			continue
		}
		m[name] = e
		added = append(added, e.def)
	}
	return added
}

func removeOwned(m map[string]*entry, owner string) []string {
	var removed []string
	for name, e := range m {
		if e.def.Owner == owner {
			removed = append(removed, name)
			delete(m, name)
		}
	}
	sort.Strings(removed)
	return removed
}
