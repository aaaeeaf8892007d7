package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/planfirst/sreagent/internal/planning"
)

// ConsoleConfig holds console configuration
type ConsoleConfig struct {
	// Actor is recorded as the sender of every line
	Actor string
	// HistoryFile persists input history; empty keeps it in memory
	HistoryFile string

	// Stdin and Stdout override the terminal (tests)
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// ConsoleMessenger is an interactive operator shell on the local terminal
type ConsoleMessenger struct {
	cfg ConsoleConfig

	mu  sync.Mutex
	out io.Writer
}

// NewConsoleMessenger creates a console. The actor defaults to $USER.
func NewConsoleMessenger(cfg ConsoleConfig) *ConsoleMessenger {
	if cfg.Actor == "" {
		cfg.Actor = os.Getenv("USER")
	}
	if cfg.Actor == "" {
		cfg.Actor = "console"
	}
	out := cfg.Stdout
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleMessenger{cfg: cfg, out: out}
}

// Name implements Messenger
func (c *ConsoleMessenger) Name() string {
	return "console"
}

// Send implements Messenger
func (c *ConsoleMessenger) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "\n%s\n", text)
	return err
}

// Listen runs the read loop until EOF, "exit", or ctx is done
func (c *ConsoleMessenger) Listen(ctx context.Context, handle HandlerFunc) error {
	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("sreagent> "),
		HistoryFile:       c.cfg.HistoryFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             c.cfg.Stdin,
		Stdout:            c.cfg.Stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	c.mu.Lock()
	c.out = rl.Stdout()
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	c.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				// Ctrl+C - just show prompt again
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		msg := planning.Message{
			Text:      line,
			Sender:    c.cfg.Actor,
			Timestamp: time.Now(),
			Reply:     c.Send,
		}
		if err := handle(ctx, msg); err != nil {
			red := color.New(color.FgRed).SprintFunc()
			_ = c.Send(ctx, fmt.Sprintf("%s %v", red("Error:"), err))
		}
	}
}

func (c *ConsoleMessenger) printWelcome() {
	bold := color.New(color.FgCyan, color.Bold).SprintFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\n%s\n", bold("sreagent operator console"))
	fmt.Fprintln(c.out, "Type 'help' for commands, 'exit' to quit")
	fmt.Fprintln(c.out)
}
