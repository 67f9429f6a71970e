package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/therenovatio/teleton-agent-sub000/internal/agent"
)

// LocalChatKey is the chat key used by the terminal chat
const LocalChatKey = "cli:local"

// terminalPlatform prints messages the agent sends through tools
type terminalPlatform struct {
	out    io.Writer
	nextID atomic.Int64
}

func (p *terminalPlatform) SendMessage(_ context.Context, chatKey, text string, _ int) (int, error) {
	fmt.Fprintf(p.out, "\n[%s] %s\n", chatKey, text)
	return int(p.nextID.Add(1)), nil
}

// Ask runs one message through the chat queue and waits for the reply
func (a *App) Ask(ctx context.Context, text string, out io.Writer) (*agent.Response, error) {
	msg := agent.Message{
		ChatKey:    LocalChatKey,
		Text:       text,
		SenderName: "Operator",
		IsAdmin:    true,
		Timestamp:  time.Now(),
		Platform:   &terminalPlatform{out: out},
	}

	var resp *agent.Response
	h, err := a.Queue.Enqueue(LocalChatKey, func(ctx context.Context) error {
		var err error
		resp, err = a.Agent.ProcessMessage(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// OneShot answers a single message and prints the reply
func (a *App) OneShot(ctx context.Context, text string, out io.Writer) error {
	start := time.Now()
	resp, err := a.Ask(ctx, text, out)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, resp.Content)
	printFooter(out, resp, time.Since(start))
	return nil
}

// Interactive reads messages line by line until EOF or "exit"
func (a *App) Interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	name := a.Persona.GetIdentity().Name
	fmt.Fprintf(out, "%s - Interactive Mode\n", name)
	fmt.Fprintln(out, "Type 'exit' or 'quit' to exit, 'help' for commands")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "exit", "quit", "q":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		case "help", "h":
			PrintInteractiveHelp(out)
			continue
		case "new", "n", "reset":
			if err := a.reset(ctx); err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
			} else {
				fmt.Fprintln(out, "New conversation started")
			}
			continue
		case "clear", "cls":
			fmt.Fprint(out, "\033[H\033[2J")
			continue
		}

		start := time.Now()
		resp, err := a.Ask(ctx, input, out)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "\nError: %v\n\n", err)
			continue
		}

		fmt.Fprintf(out, "\n%s: %s\n", name, resp.Content)
		printFooter(out, resp, time.Since(start))
		fmt.Fprintln(out)
	}
}

func (a *App) reset(ctx context.Context) error {
	h, err := a.Queue.Enqueue(LocalChatKey, func(ctx context.Context) error {
		return a.Agent.ClearHistory(ctx, LocalChatKey)
	})
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

func printFooter(out io.Writer, resp *agent.Response, elapsed time.Duration) {
	fmt.Fprintf(out, "\nResponse time: %v | Tokens: %d | Tool calls: %d\n",
		elapsed.Round(time.Millisecond), resp.Usage.TotalTokens, len(resp.ToolCalls))
}

// PrintInteractiveHelp lists the interactive commands
func PrintInteractiveHelp(out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Interactive Commands:")
	fmt.Fprintln(out, "  help, h     - Show this help")
	fmt.Fprintln(out, "  new, n      - Archive history and start a new conversation")
	fmt.Fprintln(out, "  clear, cls  - Clear screen")
	fmt.Fprintln(out, "  exit, quit  - Exit the program")
	fmt.Fprintln(out)
}
