package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

const maxResponseBytes = 4 << 20

type invokeRequest struct {
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args"`
	Context invokeContext          `json:"context"`
}

type invokeContext struct {
	ChatKey    string `json:"chat_key"`
	IsGroup    bool   `json:"is_group"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	IsAdmin    bool   `json:"is_admin"`
}

// httpExecutor POSTs the call to the plugin endpoint and expects a
// {success, data, error} body back.
func httpExecutor(client *http.Client, endpoint, tool string) tools.Executor {
	return func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
		body, err := json.Marshal(invokeRequest{
			Tool: tool,
			Args: args,
			Context: invokeContext{
				ChatKey:    ec.ChatKey,
				IsGroup:    ec.IsGroup,
				SenderID:   ec.SenderID,
				SenderName: ec.SenderName,
				IsAdmin:    ec.IsAdmin,
			},
		})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("plugin request failed: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read plugin response: %w", err)
		}
		if resp.StatusCode >= 300 {
			return tools.Fail(fmt.Sprintf("plugin returned HTTP %d", resp.StatusCode)), nil
		}

		var result tools.Result
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("plugin returned invalid JSON: %w", err)
		}
		return &result, nil
	}
}
