package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "claude-proxy",
	Short: "Serve the Claude Code CLI behind an OpenAI-compatible API",
	Long: `claude-proxy runs the claude CLI in print mode for every request and
exposes the result as an OpenAI chat-completions endpoint.

Examples:
  claude-proxy serve                       # listen on 0.0.0.0:18880
  claude-proxy serve --port 9000 --token s3cret
  claude-proxy ask "summarize go.mod"      # one-off prompt
  claude-proxy ask --stream "tell me a joke"

  claude-proxy config                      # view configuration
  claude-proxy config set claude.timeout 600`,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
