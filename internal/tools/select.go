package tools

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// ForContext returns the tools the model may see for this call: scope and
// permission filtered, then capped at toolLimit (0 = no cap). Always-include
// tools sort first so a cap drops them last.
func (r *Registry) ForContext(isGroup bool, toolLimit int, chatKey string, isAdmin bool) []Tool {
	visible := r.visible(isGroup, chatKey, isAdmin)
	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].AlwaysInclude && !visible[j].AlwaysInclude
	})
	return r.truncate(visible, toolLimit, chatKey)
}

// ForContextWithRAG narrows the visible set by relevance to query. Tools
// flagged always-include survive regardless of score. A failed or empty
// search falls back to the full visible set.
func (r *Registry) ForContextWithRAG(ctx context.Context, query string, embedding []float32, isGroup bool, toolLimit int, chatKey string, isAdmin bool) []Tool {
	searcher := r.loadSearcher()
	if searcher == nil || query == "" {
		return r.ForContext(isGroup, toolLimit, chatKey, isAdmin)
	}

	matches, err := searcher.Search(ctx, query, embedding)
	if err != nil {
		r.logger.Warn("Tool search failed, using full tool set", zap.Error(err))
		return r.ForContext(isGroup, toolLimit, chatKey, isAdmin)
	}
	if len(matches) == 0 {
		r.logger.Debug("Tool search returned nothing, using full tool set")
		return r.ForContext(isGroup, toolLimit, chatKey, isAdmin)
	}

	score := make(map[string]float32, len(matches))
	for _, m := range matches {
		score[m.Name] = m.Score
	}

	visible := r.visible(isGroup, chatKey, isAdmin)
	var always, relevant []Tool
	for _, t := range visible {
		if t.AlwaysInclude || searcher.IsAlwaysIncluded(t.Name) {
			always = append(always, t)
		} else if _, ok := score[t.Name]; ok {
			relevant = append(relevant, t)
		}
	}
	if len(relevant) == 0 {
		r.logger.Debug("Tool search matched no visible tools, using full tool set")
		return r.ForContext(isGroup, toolLimit, chatKey, isAdmin)
	}

	sort.SliceStable(relevant, func(i, j int) bool {
		return score[relevant[i].Name] > score[relevant[j].Name]
	})
	return r.truncate(append(always, relevant...), toolLimit, chatKey)
}

func (r *Registry) visible(isGroup bool, chatKey string, isAdmin bool) []Tool {
	snap := r.current.Load()
	out := make([]Tool, 0, len(snap.names))
	for _, n := range snap.names {
		def := snap.tools[n].def
		if r.denyReason(def, chatKey, isGroup, isAdmin) != "" {
			continue
		}
		out = append(out, def)
	}
	return out
}

func (r *Registry) truncate(list []Tool, limit int, chatKey string) []Tool {
	if limit <= 0 || len(list) <= limit {
		return list
	}
	r.logger.Warn("Tool list truncated to provider limit",
		zap.String("chat", chatKey),
		zap.Int("available", len(list)),
		zap.Int("limit", limit),
	)
	return list[:limit]
}
