// Package adapter connects chat channels to the mailboxes. Inbound chat
// messages from authorized users are written to the inbox and acknowledged;
// outbox documents handed over by the bridge are sent back through the
// channel they came from.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/hyperion/pkg/hyperion/bridge"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels"
	"github.com/jholhewres/hyperion/pkg/hyperion/queue"
)

const (
	// DefaultAckText is sent after a message has been written to the inbox.
	DefaultAckText = "📨 Message received. Processing..."

	// DefaultGreeting answers /start. {name} is replaced by the sender's name.
	DefaultGreeting = "👋 Hey {name}!\n\n" +
		"I'm Hyperion. Messages you send here go to the master session.\n\n" +
		"The session will process them and reply back here."

	// UnauthorizedText answers /start from users outside the allowlist.
	UnauthorizedText = "⛔ Unauthorized."

	// AllowAll in an allowlist admits every sender of that channel.
	AllowAll = "*"
)

var (
	// ErrDelivery wraps every failure to deliver an outbox document.
	ErrDelivery = errors.New("adapter: delivery failed")

	// ErrUnknownChannel is returned when no registered channel matches.
	ErrUnknownChannel = errors.New("adapter: unknown channel")
)

// Config holds adapter configuration.
type Config struct {
	// AllowedUsers maps a channel name to the sender ids (or usernames)
	// allowed to talk to the bot. A channel without entries denies everyone,
	// except the local console.
	AllowedUsers map[string][]string `yaml:"allowed_users"`

	// DefaultChannel receives outbox documents that carry no source.
	DefaultChannel string `yaml:"default_channel"`

	AckText  string `yaml:"ack_text"`
	Greeting string `yaml:"greeting"`
}

// Enqueuer writes inbox documents. *queue.Mailbox implements it.
type Enqueuer interface {
	Enqueue(doc *queue.Document) (string, error)
}

// Poster runs tasks on the goroutine that owns the chat connections.
// *bridge.Runtime implements it.
type Poster interface {
	Post(ctx context.Context, task bridge.Task) error
}

// Adapter owns the registered channels.
type Adapter struct {
	cfg    Config
	inbox  Enqueuer
	rt     Poster
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]channels.Channel

	pumpWg sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an adapter writing to inbox and handling messages on rt.
func New(cfg Config, inbox Enqueuer, rt Poster, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AckText == "" {
		cfg.AckText = DefaultAckText
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	return &Adapter{
		cfg:      cfg,
		inbox:    inbox,
		rt:       rt,
		logger:   logger.With("component", "adapter"),
		channels: make(map[string]channels.Channel),
	}
}

// Register adds a channel. Must be called before Start.
func (a *Adapter) Register(ch channels.Channel) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := ch.Name()
	if _, exists := a.channels[name]; exists {
		return fmt.Errorf("adapter: channel %q already registered", name)
	}
	a.channels[name] = ch
	a.logger.Info("channel registered", "channel", name)
	return nil
}

// Channel returns a registered channel by name.
func (a *Adapter) Channel(name string) (channels.Channel, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ch, ok := a.channels[name]
	return ch, ok
}

// Health returns the status of every registered channel.
func (a *Adapter) Health() map[string]channels.HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	statuses := make(map[string]channels.HealthStatus, len(a.channels))
	for name, ch := range a.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

// Start connects every channel and starts one receive pump per connected
// channel. Channels that fail to connect are logged and skipped; an error is
// returned only when none connects.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.mu.RLock()
	snapshot := make(map[string]channels.Channel, len(a.channels))
	for k, v := range a.channels {
		snapshot[k] = v
	}
	a.mu.RUnlock()

	if len(snapshot) == 0 {
		return fmt.Errorf("adapter: no channels registered")
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(ctx); err != nil {
			a.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}
		connected++
		a.logger.Info("channel connected", "channel", name)

		a.pumpWg.Add(1)
		go func(c channels.Channel) {
			defer a.pumpWg.Done()
			a.pump(ctx, c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("adapter: no channel connected")
	}
	return nil
}

// Stop ends the pumps and disconnects every channel.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.pumpWg.Wait()

	a.mu.RLock()
	defer a.mu.RUnlock()
	for name, ch := range a.channels {
		if err := ch.Disconnect(); err != nil {
			a.logger.Error("channel disconnect failed", "channel", name, "error", err)
		}
	}
}

// pump moves a channel's messages onto the runtime goroutine.
func (a *Adapter) pump(ctx context.Context, ch channels.Channel) {
	for {
		var msg *channels.IncomingMessage
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch.Receive():
			if !ok {
				return
			}
			msg = m
		}

		err := a.rt.Post(ctx, func(ctx context.Context) { a.HandleIncoming(ctx, msg) })
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("incoming message dropped", "channel", ch.Name(), "from", msg.From, "error", err)
		}
	}
}

// HandleIncoming filters one chat message, writes it to the inbox and
// acknowledges it. It runs on the runtime goroutine.
func (a *Adapter) HandleIncoming(ctx context.Context, msg *channels.IncomingMessage) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}
	authorized := a.Authorized(msg)

	if strings.HasPrefix(text, "/") {
		if commandName(text) == "start" {
			if authorized {
				a.reply(ctx, msg, a.greeting(msg))
			} else {
				a.logger.Warn("unauthorized /start", "channel", msg.Channel, "from", msg.From)
				a.reply(ctx, msg, UnauthorizedText)
			}
		}
		return
	}

	if !authorized {
		a.logger.Warn("unauthorized message", "channel", msg.Channel, "from", msg.From, "username", msg.Username)
		return
	}

	doc := &queue.Document{
		ID:       queue.NewID(time.Now(), sanitizeID(msg.ID)),
		Source:   msg.Channel,
		ChatID:   queue.Ref(msg.ChatID),
		UserID:   queue.Ref(msg.From),
		Username: msg.Username,
		UserName: msg.FromName,
		Text:     msg.Content,
	}
	if !msg.Timestamp.IsZero() {
		doc.Timestamp = queue.Timestamp{Time: msg.Timestamp.UTC()}
	}

	id, err := a.inbox.Enqueue(doc)
	if err != nil {
		a.logger.Error("writing inbox document failed", "channel", msg.Channel, "from", msg.From, "error", err)
		return
	}
	a.logger.Info("message written to inbox", "id", id, "channel", msg.Channel, "chat_id", msg.ChatID)

	a.reply(ctx, msg, a.cfg.AckText)
}

// Authorized reports whether the sender may use the bot.
func (a *Adapter) Authorized(msg *channels.IncomingMessage) bool {
	if msg.Channel == "console" {
		return true
	}
	allowed := a.cfg.AllowedUsers[msg.Channel]
	if slices.Contains(allowed, AllowAll) || slices.Contains(allowed, msg.From) {
		return true
	}
	if msg.Username == "" {
		return false
	}
	return slices.ContainsFunc(allowed, func(u string) bool {
		return strings.EqualFold(strings.TrimPrefix(u, "@"), msg.Username)
	})
}

// Deliver sends an outbox document through the channel named by its source,
// or the default channel. It implements bridge.Deliverer.
func (a *Adapter) Deliver(ctx context.Context, doc *queue.Document) error {
	ch, err := a.route(doc.Source)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	if err := ch.Send(ctx, doc.ChatID.String(), &channels.OutgoingMessage{Content: doc.Text}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDelivery, ch.Name(), err)
	}
	return nil
}

// route picks the delivery channel: the named source, then the configured
// default, then the only registered channel.
func (a *Adapter) route(source string) (channels.Channel, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if source != "" {
		if ch, ok := a.channels[source]; ok {
			return ch, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, source)
	}
	if a.cfg.DefaultChannel != "" {
		if ch, ok := a.channels[a.cfg.DefaultChannel]; ok {
			return ch, nil
		}
		return nil, fmt.Errorf("%w: default %q", ErrUnknownChannel, a.cfg.DefaultChannel)
	}
	if len(a.channels) == 1 {
		for _, ch := range a.channels {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: document has no source and no default channel is set", ErrUnknownChannel)
}

func (a *Adapter) reply(ctx context.Context, msg *channels.IncomingMessage, text string) {
	out := &channels.OutgoingMessage{Content: text, ReplyTo: msg.ID}
	ch, ok := a.Channel(msg.Channel)
	if !ok {
		a.logger.Warn("reply to unregistered channel", "channel", msg.Channel)
		return
	}
	if err := ch.Send(ctx, msg.ChatID, out); err != nil {
		a.logger.Warn("reply failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
}

func (a *Adapter) greeting(msg *channels.IncomingMessage) string {
	name := msg.FromName
	if name == "" {
		name = msg.Username
	}
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(a.cfg.Greeting, "{name}", name)
}

// commandName returns "start" for "/start", "/start@my_bot" or "/start now".
func commandName(text string) string {
	name, _, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name)
}

// sanitizeID keeps platform message ids usable in file names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

var _ bridge.Deliverer = (*Adapter)(nil)
