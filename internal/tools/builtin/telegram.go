package builtin

import (
	"context"
	"fmt"

	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

var sendMessageTool = tools.Tool{
	Name:        "telegram_send_message",
	Description: "Send a message to the current Telegram chat. Use it when you want to reply directly; your final text may then be empty.",
	Category:    "telegram",
	Scope:       tools.ScopeAlways,
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message text",
				"minLength":   1,
			},
			"reply_to": map[string]interface{}{
				"type":        "integer",
				"description": "Message id to reply to (optional)",
			},
		},
		"required": []string{"text"},
	},
	AlwaysInclude: true,
	DeliversReply: true,
}

func sendMessage(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
	if ec.Platform == nil {
		return tools.Fail("no chat platform is attached to this conversation"), nil
	}

	text := stringArg(args, "text")
	replyTo := intArg(args, "reply_to", 0)

	id, err := ec.Platform.SendMessage(ctx, ec.ChatKey, text, replyTo)
	if err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	return tools.OK(map[string]interface{}{
		"message_id": id,
		"message":    "sent",
	}), nil
}
