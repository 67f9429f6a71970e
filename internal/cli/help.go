package cli

import (
	"fmt"
	"io"
)

func PrintExtendedHelp(out io.Writer) {
	fmt.Fprintf(out, `Teleton %s - Telegram agent runtime

Usage:
  teleton [flags] [command] [args]

Commands:
  serve              Run the Telegram bot, HTTP API and scheduler (default)
  onboard            Interactive first-run setup
  chat [message]     Chat locally; one-shot when a message is given
  batch              Replay a file of messages through the agent
  tools              List, enable or disable tools
  persona            Show or edit the agent persona
  token [sub] [ttl]  Issue an HTTP API bearer token
  config             Inspect configuration
  channels           Show channel status
  status             Show a configuration summary
  doctor             Run diagnostics
  version            Print the version
  help               Show this help

Flags:
      --config <path>    Config file (default <data>/teleton.yaml)
      --data <dir>       Data directory (default ~/.teleton)
  -m, --message <text>   Shorthand for 'chat <message>'
  -v, --version          Print the version

Run 'teleton <command> --help' for the flags of a command.
`, Version)
}

func PrintConfigHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: teleton config <command>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  get <key>   Print one configuration value")
	fmt.Fprintln(out, "  path        Print the config file path")
	fmt.Fprintln(out, "  show        Print the config file")
}

func PrintBatchHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: teleton batch -i <input> [-o <output>] [-n <in-flight>] [-t <timeout>] [--chat <key>]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Input formats:")
	fmt.Fprintln(out, "  .txt         one message per line, all in one chat")
	fmt.Fprintln(out, "  .json/.jsonl objects with id, chat_key, text, sender_name, is_group")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Messages of the same chat are answered in file order; different")
	fmt.Fprintln(out, "chats run concurrently.")
}
