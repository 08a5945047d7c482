package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/MegaGrindStone/streamchat/internal/chat"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/spf13/cobra"
)

var (
	askChatID        string
	askModel         string
	askSubModel      string
	askWebSearch     bool
	askReasoning     bool
	askShowReasoning bool
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Print a single reply",
	Long: `Send a prompt and print the reply as it streams. Interrupting stops the stream and keeps
what was received so far.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}

		opts := cfg.defaultOptions()
		if cmd.Flags().Changed("model") {
			opts.ModelType = askModel
			opts.SubModel = ""
		}
		if cmd.Flags().Changed("sub-model") {
			opts.SubModel = askSubModel
		}
		if cmd.Flags().Changed("web-search") {
			opts.WebSearch = askWebSearch
		}
		if cmd.Flags().Changed("reasoning") {
			opts.Reasoning = askReasoning
		}
		opts.ChatID = askChatID

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var reasoning io.Writer
		if askShowReasoning {
			reasoning = cmd.ErrOrStderr()
		}
		p := newPrinter(cmd.OutOrStdout(), reasoning)
		client := chat.NewClient(chat.Config{
			Transport:          services.NewBackend(cfg.Backend.Endpoint, nil, nil),
			Auth:               tokenAuth(cfg.Backend.AuthToken),
			Observer:           p,
			IdleTimeout:        cfg.IdleTimeout,
			MaxMalformedFrames: cfg.MaxMalformedFrames,
			Logger:             newLogger(cmd.ErrOrStderr(), cfg.Log, verbose),
		})

		msg, err := ask(ctx, client, strings.Join(args, " "), opts)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout())

		if msg.IsError {
			if msg.ErrorKind != "" {
				return fmt.Errorf("reply failed (%s): %s", msg.ErrorKind, msg.Error)
			}
			return fmt.Errorf("reply failed: %s", msg.Error)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askChatID, "chat", "", "Continue the chat with this ID")
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "Model type (overrides config)")
	askCmd.Flags().StringVar(&askSubModel, "sub-model", "", "Sub model (overrides config)")
	askCmd.Flags().BoolVar(&askWebSearch, "web-search", false, "Let the model search the web")
	askCmd.Flags().BoolVar(&askReasoning, "reasoning", false, "Request reasoning output")
	askCmd.Flags().BoolVar(&askShowReasoning, "show-reasoning", false, "Print reasoning to stderr")
}

// ask sends prompt and waits for the final reply. Once ctx is done the stream is stopped and the
// partial reply returned.
func ask(ctx context.Context, client *chat.Client, prompt string, opts chat.Options) (models.Message, error) {
	if opts.ChatID == "" {
		client.NewChat()
	}

	reply, err := client.Send(ctx, prompt, opts)
	if err != nil {
		return models.Message{}, err
	}

	select {
	case <-reply.Done():
	case <-ctx.Done():
		slog.Debug("Interrupted, stopping stream")
		client.Stop()
		<-reply.Done()
	}
	return reply.Message(), nil
}

// printer writes the new part of every assistant message update.
type printer struct {
	mu        sync.Mutex
	out       io.Writer
	reasoning io.Writer

	contentLen   map[string]int
	reasoningLen map[string]int
}

func newPrinter(out, reasoning io.Writer) *printer {
	return &printer{
		out:          out,
		reasoning:    reasoning,
		contentLen:   make(map[string]int),
		reasoningLen: make(map[string]int),
	}
}

func (p *printer) MessageUpdated(msg models.Message) {
	if msg.Sender != models.SenderAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reasoning != nil {
		writeDelta(p.reasoning, p.reasoningLen, msg.ID, msg.ReasoningContent)
	}
	writeDelta(p.out, p.contentLen, msg.ID, msg.Content)
}

func (p *printer) StreamError(models.Message, string) {}

func writeDelta(w io.Writer, printed map[string]int, id, text string) {
	n := printed[id]
	if len(text) < n {
		// A retried message restarts from empty.
		n = 0
	}
	if len(text) == n {
		return
	}
	_, _ = io.WriteString(w, text[n:])
	printed[id] = len(text)
}
