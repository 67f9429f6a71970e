package builtin

import (
	"context"

	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

var memorySearchTool = tools.Tool{
	Name:        "memory_search",
	Description: "Search facts, preferences and past session summaries remembered for this chat",
	Category:    "memory",
	Scope:       tools.ScopeAlways,
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for",
				"minLength":   1,
			},
			"limit": map[string]interface{}{
				"type":    "integer",
				"minimum": 1,
				"maximum": 20,
			},
		},
		"required": []string{"query"},
	},
}

var memorySaveTool = tools.Tool{
	Name:        "memory_save",
	Description: "Remember a fact or preference about the user or chat for future conversations",
	Category:    "memory",
	Scope:       tools.ScopeAlways,
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The statement to remember",
				"minLength":   1,
			},
			"type": map[string]interface{}{
				"type": "string",
				"enum": []string{store.MemoryTypeFact, store.MemoryTypePreference},
			},
			"importance": map[string]interface{}{
				"type":    "integer",
				"minimum": 1,
				"maximum": 10,
			},
		},
		"required": []string{"content"},
	},
}

func memorySearch(mem MemoryStore) tools.Executor {
	return func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
		found, err := mem.Search(ctx, ec.ChatKey, stringArg(args, "query"), intArg(args, "limit", 5))
		if err != nil {
			return nil, err
		}

		items := make([]map[string]interface{}, 0, len(found))
		for _, m := range found {
			items = append(items, map[string]interface{}{
				"type":       m.Type,
				"content":    m.Content,
				"importance": m.Importance,
				"created_at": m.CreatedAt,
			})
		}
		return tools.OK(map[string]interface{}{
			"count":    len(items),
			"memories": items,
		}), nil
	}
}

func memorySave(mem MemoryStore) tools.Executor {
	return func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
		saved, err := mem.Save(ctx, ec.ChatKey, stringArg(args, "content"), stringArg(args, "type"), intArg(args, "importance", 0), "tool:memory_save")
		if err != nil {
			return nil, err
		}
		return tools.OK(map[string]interface{}{
			"id":      saved.ID,
			"type":    saved.Type,
			"message": "remembered",
		}), nil
	}
}
