package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/therenovatio/teleton-agent-sub000/internal/app"
	"github.com/therenovatio/teleton-agent-sub000/internal/batch"
)

// BatchOptions are the flags of the batch command
type BatchOptions struct {
	InputFile  string
	OutputFile string
	InFlight   int
	Timeout    time.Duration
	ChatKey    string
}

// DefaultBatchOptions mirrors batch.DefaultConfig
func DefaultBatchOptions() BatchOptions {
	def := batch.DefaultConfig()
	return BatchOptions{InFlight: def.MaxInFlight, Timeout: def.Timeout, ChatKey: def.DefaultChatKey}
}

func HandleBatchCommand(ctx context.Context, a *app.App, opts BatchOptions, out io.Writer) error {
	if opts.InputFile == "" {
		PrintBatchHelp(out)
		return fmt.Errorf("input file is required")
	}
	if _, err := os.Stat(opts.InputFile); err != nil {
		return fmt.Errorf("input file not found: %s", opts.InputFile)
	}

	processor := batch.NewProcessor(a.Agent, a.Queue, batch.Config{
		MaxInFlight:    opts.InFlight,
		Timeout:        opts.Timeout,
		DefaultChatKey: opts.ChatKey,
		SkipInvalid:    true,
	}, a.Logger.Named("batch"))

	fmt.Fprintf(out, "Processing batch file: %s\n", opts.InputFile)
	fmt.Fprintf(out, "   In flight: %d | Timeout: %v\n\n", opts.InFlight, opts.Timeout)

	result, err := processor.ProcessFile(ctx, opts.InputFile, opts.OutputFile)
	if err != nil {
		return fmt.Errorf("error processing batch: %w", err)
	}

	fmt.Fprintln(out, result.Summary())
	if opts.OutputFile != "" {
		fmt.Fprintf(out, "Results saved to: %s\n", opts.OutputFile)
	}

	if result.Failed > 0 {
		fmt.Fprintln(out, "\nFailed items:")
		for _, item := range result.Items {
			if !item.Success && !item.Skipped {
				fmt.Fprintf(out, "  - %s: %s\n", item.ID, item.Error)
			}
		}
	}
	return nil
}
