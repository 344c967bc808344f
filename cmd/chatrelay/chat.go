package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/chatrelay/relay/bridge"
	"github.com/ZanzyTHEbar/chatrelay/relay/config"
	"github.com/ZanzyTHEbar/chatrelay/relay/delivery"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var (
	chatModel     string
	chatWebSearch bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the model from the terminal",
	Long: `Starts an interactive session that streams answers into the terminal.

Commands:
  /reset  forget the conversation
  /exit   quit`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model (default: completion.model)")
	chatCmd.Flags().BoolVar(&chatWebSearch, "web-search", false, "enable the web search tool")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.queue.Stop(context.Background()) }()

	svc := config.ServiceConfig{Name: "chat", Model: chatModel}
	if cmd.Flags().Changed("web-search") {
		svc.WebSearch = &chatWebSearch
	}
	opts := a.bridgeOptions(svc)
	// The terminal can take every delta.
	opts.Interval = 0
	rel := bridge.New(a.orch, a.queue, opts)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("model %s · /reset to forget · /exit to quit", opts.Model)))

	key := newChatKey()
	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		switch input {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			key = newChatKey()
			fmt.Fprintln(out, dimStyle.Render("conversation reset"))
			continue
		}
		line.AppendHistory(input)

		w := &terminalWriter{out: out}
		err = rel.Submit(ctx, bridge.Exchange{
			Key:       key,
			Messages:  []ports.PromptMessage{{Role: ports.RoleUser, Content: input}},
			Remember:  true,
			Writer:    w,
			Streaming: true,
		}).Wait(ctx)
		fmt.Fprintln(out)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("error: "+err.Error()))
		}
	}
}

func newChatKey() string {
	return "chat:" + uuid.NewString()
}

// terminalWriter prints a streamed reply, appending only what is new.
type terminalWriter struct {
	out io.Writer

	mu      sync.Mutex
	printed string
}

func (w *terminalWriter) Create(_ context.Context, text string) (delivery.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprint(w.out, botStyle.Render("bot>")+" "+text)
	w.printed = text
	return "terminal", err
}

func (w *terminalWriter) Update(_ context.Context, _ delivery.Handle, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if rest, ok := strings.CutPrefix(text, w.printed); ok {
		_, err = fmt.Fprint(w.out, rest)
	} else {
		_, err = fmt.Fprint(w.out, "\n"+botStyle.Render("bot>")+" "+text)
	}
	w.printed = text
	return err
}
