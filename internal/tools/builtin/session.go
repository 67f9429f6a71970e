package builtin

import (
	"context"

	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

var sessionInfoTool = tools.Tool{
	Name:        "session_info",
	Description: "Show the current conversation session: id, message count, tokens used and when it started",
	Category:    "session",
	Scope:       tools.ScopeAlways,
	Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
}

var sessionResetTool = tools.Tool{
	Name:        "session_reset",
	Description: "Start a fresh conversation session after this reply. The current transcript is archived.",
	Category:    "session",
	Scope:       tools.ScopeAdminOnly,
	Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
}

func sessionInfo(sessions SessionInfo) tools.Executor {
	return func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
		sess, err := sessions.Current(ec.ChatKey)
		if err != nil {
			return nil, err
		}
		return tools.OK(map[string]interface{}{
			"session_id":      sess.ID,
			"message_count":   sess.MessageCount,
			"tokens_used":     sess.TokensUsed,
			"model":           sess.Model,
			"last_reset_date": sess.LastResetDate,
			"started_at":      sess.CreatedAt,
		}), nil
	}
}

func sessionReset(resets ResetRequester) tools.Executor {
	return func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
		resets.RequestReset(ec.ChatKey)
		return tools.OK(map[string]interface{}{
			"message": "session will be reset after this reply",
		}), nil
	}
}
