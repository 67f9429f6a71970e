// Package batch replays a file of chat messages through the agent. Each
// message is queued on its chat lane, so messages of one chat are answered
// in file order while different chats proceed concurrently.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/therenovatio/teleton-agent-sub000/internal/agent"
	"github.com/therenovatio/teleton-agent-sub000/internal/queue"
)

// Agent processes one message
type Agent interface {
	ProcessMessage(ctx context.Context, msg agent.Message) (*agent.Response, error)
}

// Queue serializes work per chat
type Queue interface {
	Enqueue(key string, task queue.Task) (*queue.Handle, error)
}

type Config struct {
	MaxInFlight    int
	Timeout        time.Duration
	DefaultChatKey string
	SkipInvalid    bool
}

// InputItem is one message to replay
type InputItem struct {
	ID         string `json:"id"`
	ChatKey    string `json:"chat_key,omitempty"`
	Text       string `json:"text"`
	SenderID   int64  `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	IsGroup    bool   `json:"is_group,omitempty"`
	ChatTitle  string `json:"chat_title,omitempty"`
}

type OutputItem struct {
	ID           string        `json:"id"`
	ChatKey      string        `json:"chat_key"`
	Input        string        `json:"input"`
	Response     string        `json:"response"`
	TokensUsed   int           `json:"tokens_used"`
	ToolCalls    int           `json:"tool_calls"`
	Iterations   int           `json:"iterations"`
	ResponseTime time.Duration `json:"response_time"`
	Success      bool          `json:"success"`
	Skipped      bool          `json:"skipped,omitempty"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

type Result struct {
	Total     int           `json:"total"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Items     []OutputItem  `json:"items"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

func DefaultConfig() Config {
	return Config{
		MaxInFlight:    8,
		Timeout:        2 * time.Minute,
		DefaultChatKey: "batch:default",
		SkipInvalid:    true,
	}
}

type Processor struct {
	agent  Agent
	queue  Queue
	config Config
	logger *zap.Logger
}

func NewProcessor(a Agent, q Queue, cfg Config, logger *zap.Logger) *Processor {
	def := DefaultConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DefaultChatKey == "" {
		cfg.DefaultChatKey = def.DefaultChatKey
	}
	return &Processor{agent: a, queue: q, config: cfg, logger: logger}
}

// ProcessFile loads inputPath, replays it and writes the result to
// outputPath when one is given.
func (p *Processor) ProcessFile(ctx context.Context, inputPath, outputPath string) (*Result, error) {
	items, err := p.loadInputFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load input file: %w", err)
	}

	result, err := p.Run(ctx, items)
	if err != nil {
		return result, err
	}

	if outputPath != "" {
		if err := p.saveOutputFile(outputPath, result); err != nil {
			return result, fmt.Errorf("failed to save output file: %w", err)
		}
	}
	return result, nil
}

// Run replays items in order. At most MaxInFlight messages are queued or
// running at once. Outputs keep the input order. A nil result comes back
// only when ctx ends or the queue stops admitting work.
func (p *Processor) Run(ctx context.Context, items []InputItem) (*Result, error) {
	result := &Result{
		Total:     len(items),
		StartTime: time.Now(),
		Items:     make([]OutputItem, len(items)),
	}

	sem := semaphore.NewWeighted(int64(p.config.MaxInFlight))
	handles := make([]*queue.Handle, 0, len(items))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.ChatKey == "" {
			item.ChatKey = p.config.DefaultChatKey
		}
		out := &result.Items[i]
		*out = OutputItem{ID: item.ID, ChatKey: item.ChatKey, Input: item.Text, Timestamp: time.Now()}

		if strings.TrimSpace(item.Text) == "" {
			out.Skipped = true
			out.Error = "empty message"
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		item := item
		h, err := p.queue.Enqueue(item.ChatKey, func(qctx context.Context) error {
			defer sem.Release(1)
			return p.processItem(qctx, item, out)
		})
		if err != nil {
			sem.Release(1)
			return nil, err
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		// item failures are recorded in the outputs
		if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return p.finish(result), nil
}

func (p *Processor) processItem(ctx context.Context, item InputItem, out *OutputItem) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.agent.ProcessMessage(ctx, agent.Message{
		ChatKey:    item.ChatKey,
		Text:       item.Text,
		SenderID:   item.SenderID,
		SenderName: item.SenderName,
		IsGroup:    item.IsGroup,
		ChatTitle:  item.ChatTitle,
		Timestamp:  time.Now(),
	})
	out.ResponseTime = time.Since(start)

	if err != nil {
		out.Error = err.Error()
		p.logger.Warn("Batch item failed", zap.String("id", item.ID), zap.String("chat", item.ChatKey), zap.Error(err))
		return err
	}

	out.Success = true
	out.Response = resp.Content
	out.TokensUsed = resp.Usage.TotalTokens
	out.ToolCalls = len(resp.ToolCalls)
	out.Iterations = resp.Iterations
	return nil
}

func (p *Processor) finish(result *Result) *Result {
	result.Success, result.Failed, result.Skipped = 0, 0, 0
	for _, item := range result.Items {
		switch {
		case item.Success:
			result.Success++
		case item.Skipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result
}

func isJSON(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

func (p *Processor) loadInputFile(path string) ([]InputItem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if isJSON(path) {
		return p.loadJSON(file)
	}
	return p.loadText(file)
}

// loadJSON accepts a stream of objects (JSON lines) or a single array
func (p *Processor) loadJSON(r io.Reader) ([]InputItem, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []InputItem
	decoder := json.NewDecoder(br)

	if first == '[' {
		if err := decoder.Decode(&items); err != nil {
			return nil, fmt.Errorf("failed to decode JSON: %w", err)
		}
	} else {
		for decoder.More() {
			var item InputItem
			if err := decoder.Decode(&item); err != nil {
				if p.config.SkipInvalid {
					p.logger.Warn("Skipping invalid batch entry", zap.Error(err))
					break
				}
				return nil, fmt.Errorf("failed to decode JSON: %w", err)
			}
			items = append(items, item)
		}
	}

	for i := range items {
		if items[i].ID == "" {
			items[i].ID = fmt.Sprintf("item-%d", i+1)
		}
	}
	return items, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != ' ' && b != '\n' && b != '\r' && b != '\t' {
			return b, br.UnreadByte()
		}
	}
}

// loadText treats each non-blank line as a message in one conversation
func (p *Processor) loadText(r io.Reader) ([]InputItem, error) {
	var items []InputItem
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, InputItem{
			ID:   fmt.Sprintf("line-%d", lineNum),
			Text: line,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return items, nil
}

func (p *Processor) saveOutputFile(path string, result *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if isJSON(path) {
		encoder := json.NewEncoder(file)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	for _, item := range result.Items {
		fmt.Fprintf(file, "=== %s (%s) ===\n", item.ID, item.ChatKey)
		fmt.Fprintf(file, "Input: %s\n", item.Input)
		fmt.Fprintf(file, "Response: %s\n", item.Response)
		if item.Error != "" {
			fmt.Fprintf(file, "Error: %s\n", item.Error)
		}
		fmt.Fprintf(file, "Tokens: %d | Tool calls: %d | Time: %v\n\n", item.TokensUsed, item.ToolCalls, item.ResponseTime)
	}
	return nil
}

func (r *Result) Summary() string {
	var sb strings.Builder
	sb.WriteString("=== Batch Replay Summary ===\n")
	sb.WriteString(fmt.Sprintf("Total:     %d\n", r.Total))
	sb.WriteString(fmt.Sprintf("Success:   %d\n", r.Success))
	sb.WriteString(fmt.Sprintf("Failed:    %d\n", r.Failed))
	sb.WriteString(fmt.Sprintf("Skipped:   %d\n", r.Skipped))
	sb.WriteString(fmt.Sprintf("Duration:  %v\n", r.Duration))
	return sb.String()
}

func (r *Result) ToJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
