package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/samsaffron/claude-proxy/internal/config"
	"github.com/samsaffron/claude-proxy/internal/llm"
	"github.com/samsaffron/claude-proxy/internal/signal"
	"github.com/spf13/cobra"
)

var (
	askStream    bool
	askSystem    string
	askMaxTurns  int
	askTimeout   time.Duration
	askClaudeBin string
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Send one prompt through the claude supervisor",
	Long: `Send a single prompt through the same pipeline the server uses and print
the reply. With no prompt argument the prompt is read from stdin.

Examples:
  claude-proxy ask "what is a goroutine?"
  claude-proxy ask --stream --system "answer in French" "hello"
  git diff | claude-proxy ask`,
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)

	askCmd.Flags().BoolVar(&askStream, "stream", false, "Print the reply as it is produced")
	askCmd.Flags().StringVarP(&askSystem, "system", "m", "", "System message for the conversation")
	AddMaxTurnsFlag(askCmd, &askMaxTurns)
	AddTimeoutFlag(askCmd, &askTimeout)
	AddClaudeBinFlag(askCmd, &askClaudeBin)
}

func runAsk(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(config.Overrides{
		ClaudeBin: askClaudeBin,
		MaxTurns:  askMaxTurns,
		Timeout:   askTimeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	var messages []llm.Message
	if strings.TrimSpace(askSystem) != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: askSystem})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	backend := llm.NewClaudeBin(cfg.LLM())
	out := cmd.OutOrStdout()

	if !askStream {
		text, err := backend.Complete(ctx, messages)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
		return nil
	}

	stream, err := backend.CompleteStream(ctx, messages)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Fprint(out, fragment)
	}
	fmt.Fprintln(out)
	return nil
}

// readPrompt joins the arguments, falling back to piped stdin.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := stdin.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("no prompt given")
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt given")
	}
	return prompt, nil
}
