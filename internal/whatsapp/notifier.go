package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	waLog "go.mau.fi/whatsmeow/util/log"
)

var ErrClientNotInitialized = errors.New("whatsapp client not initialized")

// Client is the system account that sends notifications to users.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient connects the notifier account, running the QR login flow on first use.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := applyOpts(opts)
	slog.Debug("whatsapp.NewClient options set", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	container, err := OpenContainer(ctx, cfg.DBDSN, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("whatsapp.NewClient: failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Notifier", cfg.LogLevel, true))

	if waClient.Store.ID == nil {
		slog.Info("whatsapp.NewClient: notifier login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			slog.Error("whatsapp.NewClient: failed to connect during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				renderPairingCode(writer, evt.Code, cfg.NumericCode)
			} else {
				slog.Info("whatsapp.NewClient: login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("whatsapp.NewClient: notifier already logged in, connecting")
		if err := waClient.Connect(); err != nil {
			slog.Error("whatsapp.NewClient: failed to connect", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("whatsapp.NewClient: notifier connected")
	return &Client{waClient: waClient}, nil
}

func renderPairingCode(w io.Writer, code string, numeric bool) {
	if numeric {
		fmt.Fprintln(w, code)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// SendMessage sends a text message to an E.164 phone number and returns the message id.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c == nil || c.waClient == nil || c.waClient.Store == nil {
		return "", ErrClientNotInitialized
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	jid, err := PhoneToJID(to)
	if err != nil {
		return "", err
	}

	slog.Debug("whatsapp.Client.SendMessage", "to", jid.User, "body_length", len(body))
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("whatsapp.Client.SendMessage failed", "error", err, "to", jid.User)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return resp.ID, nil
}

// Close disconnects the notifier account.
func (c *Client) Close() {
	if c != nil && c.waClient != nil {
		c.waClient.Disconnect()
	}
}
