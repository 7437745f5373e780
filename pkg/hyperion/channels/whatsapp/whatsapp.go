// Package whatsapp implements the WhatsApp channel using whatsmeow, a
// native Go WhatsApp Web client. The linked-device session is persisted in
// SQLite; on first run the pairing QR code is written to the log.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jholhewres/hyperion/pkg/hyperion/channels"
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// SessionDir holds whatsapp.db when DatabasePath is empty.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite session database.
	DatabasePath string `yaml:"database_path"`

	// RespondToGroups forwards group messages as well as DMs.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// QRTimeout bounds a pairing attempt.
	QRTimeout time.Duration `yaml:"qr_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir: "./sessions/whatsapp",
		QRTimeout:  2 * time.Minute,
	}
}

// ConnectionState is the pairing/connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateConnected    ConnectionState = "connected"
	StateLoggedOut    ConnectionState = "logged_out"
)

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool

	connected  atomic.Bool
	state      atomic.Value // ConnectionState
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp channel.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = DefaultConfig().QRTimeout
	}
	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
	w.state.Store(StateDisconnected)
	return w
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState {
	return w.state.Load().(ConnectionState)
}

func (w *WhatsApp) setState(s ConnectionState) { w.state.Store(s) }

// Connect opens the session store and connects. Without a stored session
// the QR pairing flow runs in the background so startup is not blocked.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	dbPath := w.dbPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("whatsapp: creating session dir: %w", err)
	}
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("whatsapp: creating session store: %w", err)
	}

	device, err := getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("whatsapp: getting device: %w", err)
	}
	store.SetOSInfo("Hyperion", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("whatsapp: no session yet, pairing required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login failed", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("%w: whatsapp: %v", channels.ErrConnectionFailed, err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.client.Store.ID.String())
	return nil
}

func (w *WhatsApp) dbPath() string {
	if w.cfg.DatabasePath != "" {
		return w.cfg.DatabasePath
	}
	return filepath.Join(w.cfg.SessionDir, "whatsapp.db")
}

// Disconnect closes the connection.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send sends a text message to a JID or bare phone number.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() || w.client == nil {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid JID %q: %w", to, err)
	}
	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(msg.Content)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: whatsapp: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true when logged in and connected.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Health returns the channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := w.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     w.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(w.errorCount.Load()),
		Details:       map[string]any{"state": string(w.State())},
	}
}

func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the pairing flow, logging each QR code so an operator
// can render and scan it.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.QRTimeout)
	defer cancel()

	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.logger.Info("whatsapp: scan this QR code with WhatsApp > Linked devices", "code", evt.Code)
			case "success":
				w.connected.Store(true)
				w.setState(StateConnected)
				w.logger.Info("whatsapp: pairing successful")
				return nil
			case "timeout":
				w.setState(StateDisconnected)
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// buildTextMessage wraps plain text as a WhatsApp conversation message.
func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: message channel full, dropping message", "from", msg.From)
	}
}

var _ channels.Channel = (*WhatsApp)(nil)
