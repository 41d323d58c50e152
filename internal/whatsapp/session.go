package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/transport"
	"go.mau.fi/whatsmeow"
	waStore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// historyRequestCount is how many older messages one on-demand sync asks for.
const historyRequestCount = 50

// Factory builds per-user transports on a shared device container.
type Factory struct {
	container *sqlstore.Container
	logLevel  string
	qrOut     io.Writer
}

var _ transport.Factory = (*Factory)(nil)

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithQRWriter also renders user pairing codes to w, for local debugging.
func WithQRWriter(w io.Writer) FactoryOption {
	return func(f *Factory) { f.qrOut = w }
}

// NewFactory opens the device container shared by every user transport.
func NewFactory(ctx context.Context, dsn, logLevel string, opts ...FactoryOption) (*Factory, error) {
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	if logLevel == "" {
		logLevel = "WARN"
	}
	container, err := OpenContainer(ctx, dsn, logLevel)
	if err != nil {
		return nil, err
	}
	f := &Factory{container: container, logLevel: logLevel}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// New returns an unstarted transport for userID. An empty or unknown deviceJID
// starts a fresh pairing.
func (f *Factory) New(userID, deviceJID string, handler transport.EventHandler) (transport.Transport, error) {
	return &Session{
		userID:    userID,
		deviceJID: deviceJID,
		container: f.container,
		handler:   handler,
		logLevel:  f.logLevel,
		qrOut:     f.qrOut,
		history:   newRecentMessages(DefaultHistoryPerChat),
	}, nil
}

// Session is one user's whatsmeow connection.
type Session struct {
	userID    string
	deviceJID string
	container *sqlstore.Container
	handler   transport.EventHandler
	logLevel  string
	qrOut     io.Writer
	history   *recentMessages

	mu       sync.Mutex
	client   *whatsmeow.Client
	cancelQR context.CancelFunc
}

var _ transport.Transport = (*Session)(nil)

// Start loads the user's device and connects. A device without an identity
// goes through the QR pairing flow; codes are reported via OnPairingChallenge.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	device, err := s.loadDevice(ctx)
	if err != nil {
		return err
	}
	client := whatsmeow.NewClient(device, waLog.Stdout("User/"+s.userID, s.logLevel, true))
	// Reconnection is owned by the connection worker.
	client.EnableAutoReconnect = false
	client.AddEventHandler(s.handleEvent)
	s.client = client

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			s.client = nil
			return fmt.Errorf("get QR channel for %s: %w", s.userID, err)
		}
		s.cancelQR = cancel
		go s.forwardQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		if s.cancelQR != nil {
			s.cancelQR()
			s.cancelQR = nil
		}
		s.client = nil
		slog.Error("whatsapp.Session.Start: connect failed", "user_id", s.userID, "error", err)
		return fmt.Errorf("connect %s: %w", s.userID, err)
	}
	slog.Debug("whatsapp.Session.Start: connecting", "user_id", s.userID, "paired", client.Store.ID != nil)
	return nil
}

func (s *Session) loadDevice(ctx context.Context) (*waStore.Device, error) {
	if s.deviceJID != "" {
		jid, err := types.ParseJID(s.deviceJID)
		if err != nil {
			slog.Warn("whatsapp.Session.loadDevice: bad stored device JID, pairing anew", "user_id", s.userID, "device", s.deviceJID, "error", err)
		} else {
			device, err := s.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, fmt.Errorf("load device for %s: %w", s.userID, err)
			}
			if device != nil {
				return device, nil
			}
			slog.Warn("whatsapp.Session.loadDevice: stored device missing, pairing anew", "user_id", s.userID, "device", s.deviceJID)
		}
	}
	return s.container.NewDevice(), nil
}

func (s *Session) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			if s.qrOut != nil {
				renderPairingCode(s.qrOut, item.Code, false)
			}
			s.handler.OnPairingChallenge(item.Code)
		case "success":
			slog.Debug("whatsapp.Session.forwardQR: pairing succeeded", "user_id", s.userID)
		case "timeout":
			s.handler.OnAuthFailure("pairing QR expired")
		default:
			if item.Error != nil {
				s.handler.OnAuthFailure(fmt.Sprintf("pairing failed: %v", item.Error))
			} else {
				slog.Debug("whatsapp.Session.forwardQR: login event", "user_id", s.userID, "event", item.Event)
			}
		}
	}
}

func (s *Session) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		s.handler.OnReady()
	case *events.PairSuccess:
		s.handler.OnPaired(v.ID.String())
	case *events.LoggedOut:
		s.handler.OnAuthFailure(fmt.Sprintf("logged out: %s", v.Reason.String()))
	case *events.StreamReplaced:
		s.handler.OnDisconnected("stream replaced by another connection")
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			s.handler.OnAuthFailure(fmt.Sprintf("connect failure: %s", v.Reason.String()))
		} else {
			s.handler.OnDisconnected(fmt.Sprintf("connect failure: %s", v.Reason.String()))
		}
	case *events.TemporaryBan:
		s.handler.OnAuthFailure(v.String())
	case *events.Disconnected:
		s.handler.OnDisconnected("connection closed")
	case *events.Message:
		m := chatMessageFromEvent(v)
		s.history.add(m, &v.Info)
		s.handler.OnMessage(m)
	case *events.HistorySync:
		s.ingestHistorySync(v)
	}
}

// ingestHistorySync stores history blobs for later scans; they are not live messages.
func (s *Session) ingestHistorySync(evt *events.HistorySync) {
	client := s.currentClient()
	if client == nil || evt.Data == nil {
		return
	}
	count := 0
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			parsed, err := client.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			s.history.add(chatMessageFromEvent(parsed), &parsed.Info)
			count++
		}
	}
	slog.Debug("whatsapp.Session.ingestHistorySync", "user_id", s.userID, "messages", count)
}

func (s *Session) currentClient() *whatsmeow.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Stop disconnects; it keeps the device so the next start reuses the pairing.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelQR != nil {
		s.cancelQR()
		s.cancelQR = nil
	}
	if s.client != nil {
		s.client.Disconnect()
		s.client = nil
	}
	return nil
}

func (s *Session) IsConnected() bool {
	c := s.currentClient()
	return c != nil && c.IsConnected() && c.IsLoggedIn()
}

func (s *Session) SelfID() string {
	c := s.currentClient()
	if c == nil || c.Store == nil || c.Store.ID == nil {
		return ""
	}
	return c.Store.ID.ToNonAD().String()
}

func (s *Session) FetchRecentMessages(ctx context.Context, chatID string, limit int) ([]models.ChatMessage, error) {
	if !s.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	return s.history.recent(chatID, limit), nil
}

// ForceLoadHistory asks the primary device for messages older than the oldest
// one seen in chatID and waits briefly for the sync blob to arrive.
func (s *Session) ForceLoadHistory(ctx context.Context, chatID string) error {
	c := s.currentClient()
	if c == nil || !c.IsConnected() {
		return transport.ErrNotConnected
	}
	if c.Store.ID == nil {
		return transport.ErrNotPaired
	}
	oldest := s.history.oldestInfo(chatID)
	if oldest == nil {
		slog.Debug("whatsapp.Session.ForceLoadHistory: no anchor message, skipping", "user_id", s.userID, "chat", chatID)
		return nil
	}
	req := c.BuildHistorySyncRequest(oldest, historyRequestCount)
	if _, err := c.SendMessage(ctx, c.Store.ID.ToNonAD(), req, whatsmeow.SendRequestExtra{Peer: true}); err != nil {
		return fmt.Errorf("request history for %s: %w", chatID, err)
	}
	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Session) ListGroups(ctx context.Context) ([]transport.GroupInfo, error) {
	c := s.currentClient()
	if c == nil || !c.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	groups, err := c.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups for %s: %w", s.userID, err)
	}
	out := make([]transport.GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, transport.GroupInfo{ChatID: g.JID.String(), Name: g.Name})
	}
	return out, nil
}
