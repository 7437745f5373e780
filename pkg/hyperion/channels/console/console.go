// Package console implements a local terminal channel. Each line typed at
// the prompt becomes an incoming message from the local user, and replies
// are printed above the prompt. When input is not a terminal, lines are
// read plainly so the channel also works with pipes.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/jholhewres/hyperion/pkg/hyperion/channels"
)

// LocalUser is the sender and chat id of console messages.
const LocalUser = "local"

// Config holds console channel configuration.
type Config struct {
	Prompt      string `yaml:"prompt"`
	HistoryFile string `yaml:"history_file"`
}

// Console implements channels.Channel over stdin/stdout.
type Console struct {
	cfg    Config
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	rl    *readline.Instance
	outMu sync.Mutex

	messages  chan *channels.IncomingMessage
	done      chan struct{}
	connected atomic.Bool
	seq       atomic.Int64
	lastMsg   atomic.Value // time.Time
	closeOnce sync.Once
}

// New creates a console bound to the process's stdin and stdout.
func New(cfg Config, logger *slog.Logger) *Console {
	return NewWithIO(cfg, os.Stdin, os.Stdout, logger)
}

// NewWithIO creates a console over arbitrary streams.
func NewWithIO(cfg Config, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	return &Console{
		cfg:      cfg,
		in:       in,
		out:      out,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect starts reading input.
func (c *Console) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	next, err := c.lineReader()
	if err != nil {
		return fmt.Errorf("%w: console: %v", channels.ErrConnectionFailed, err)
	}
	c.connected.Store(true)
	go c.readLoop(ctx, next)
	return nil
}

// lineReader picks readline for interactive terminals and a plain
// scanner otherwise.
func (c *Console) lineReader() (func() (string, error), error) {
	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          c.cfg.Prompt,
			HistoryFile:     c.cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
			Stdin:           f,
			Stdout:          c.out,
		})
		if err != nil {
			return nil, err
		}
		c.rl = rl
		return rl.Readline, nil
	}

	sc := bufio.NewScanner(c.in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return func() (string, error) {
		if sc.Scan() {
			return sc.Text(), nil
		}
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}, nil
}

func (c *Console) readLoop(ctx context.Context, next func() (string, error)) {
	defer c.finish()
	for {
		line, err := next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				c.logger.Warn("console: read error", "error", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}

		msg := &channels.IncomingMessage{
			ID:        strconv.FormatInt(c.seq.Add(1), 10),
			Channel:   c.Name(),
			From:      LocalUser,
			FromName:  "Local User",
			Username:  LocalUser,
			ChatID:    LocalUser,
			Content:   line,
			Timestamp: time.Now(),
		}
		c.lastMsg.Store(msg.Timestamp)
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) finish() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.messages)
		close(c.done)
	})
}

// Done is closed when input ends (EOF, Ctrl+C or /quit).
func (c *Console) Done() <-chan struct{} { return c.done }

// Disconnect closes the terminal.
func (c *Console) Disconnect() error {
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

// Send prints a reply. The destination is ignored: there is one local chat.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	w := c.out
	if c.rl != nil {
		w = c.rl.Stdout()
	}
	_, err := fmt.Fprintf(w, "hyperion> %s\n", message.Content)
	return err
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether input is still open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

var _ channels.Channel = (*Console)(nil)
