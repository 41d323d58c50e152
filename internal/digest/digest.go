// Package digest builds the daily summary of classified group messages and
// hands it to the delivery pipeline.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/delivery"
	"github.com/BTreeMap/GroupPulse/internal/models"
)

const (
	// DefaultWindow is how far back a digest looks.
	DefaultWindow = 24 * time.Hour
	// DefaultMaxPerCategory caps the lines listed under one category.
	DefaultMaxPerCategory = 8
)

// Store is what the digest reads.
type Store interface {
	ListDigestUsers(ctx context.Context) ([]models.User, error)
	ListClassifiedSince(ctx context.Context, userID string, since time.Time) ([]models.InboundMessage, error)
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
}

// Sender delivers a finished digest. *delivery.Manager implements it.
type Sender interface {
	SendDigest(ctx context.Context, user models.User, content string) (delivery.Outcome, error)
}

// Opts holds configuration for the digest service.
type Opts struct {
	Window         time.Duration
	MaxPerCategory int
	Now            func() time.Time
}

// Option defines a configuration option for the digest service.
type Option func(*Opts)

// WithWindow sets how far back a digest looks.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) {
		o.Window = d
	}
}

// WithMaxPerCategory caps the lines listed per category.
func WithMaxPerCategory(n int) Option {
	return func(o *Opts) {
		o.MaxPerCategory = n
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Service builds and sends digests for every subscribed user.
type Service struct {
	store  Store
	sender Sender
	opts   Opts
}

// NewService creates a digest service.
func NewService(st Store, sender Sender, opts ...Option) *Service {
	cfg := Opts{
		Window:         DefaultWindow,
		MaxPerCategory: DefaultMaxPerCategory,
		Now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{store: st, sender: sender, opts: cfg}
}

// Item is one line of a digest.
type Item struct {
	Group          string
	Category       models.Category
	Urgency        int
	Summary        string
	ActionRequired bool
}

// Run sends a digest to every user subscribed to daily summaries who had
// classified messages inside the window. Per-user failures are logged and do
// not stop the run. Returns how many digests were accepted for delivery.
func (s *Service) Run(ctx context.Context) (int, error) {
	users, err := s.store.ListDigestUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list digest users: %w", err)
	}
	sent := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.SendFor(ctx, u)
		if err != nil {
			slog.Error("Digest.Run: digest failed", "user_id", u.ID, "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	slog.Info("Digest.Run: digests sent", "users", len(users), "sent", sent)
	return sent, nil
}

// SendFor builds and sends one user's digest. It returns false without error
// when there was nothing to report or delivery suppressed it.
func (s *Service) SendFor(ctx context.Context, u models.User) (bool, error) {
	items, err := s.Collect(ctx, u.ID)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		slog.Debug("Digest.SendFor: nothing to report", "user_id", u.ID)
		return false, nil
	}
	outcome, err := s.sender.SendDigest(ctx, u, Format(items, s.opts.MaxPerCategory))
	if err != nil {
		return false, fmt.Errorf("send digest: %w", err)
	}
	return outcome.Accepted(), nil
}

// Collect loads the user's classified messages inside the window as digest items.
func (s *Service) Collect(ctx context.Context, userID string) ([]Item, error) {
	since := s.opts.Now().Add(-s.opts.Window)
	msgs, err := s.store.ListClassifiedSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list classified messages: %w", err)
	}
	names := make(map[string]string)
	items := make([]Item, 0, len(msgs))
	for _, m := range msgs {
		if m.Summary == "" {
			continue
		}
		name, ok := names[m.GroupID]
		if !ok {
			name = m.GroupID
			if g, err := s.store.GetGroup(ctx, m.GroupID); err == nil && g.Name != "" {
				name = g.Name
			}
			names[m.GroupID] = name
		}
		items = append(items, Item{
			Group:          name,
			Category:       m.Category,
			Urgency:        m.Urgency,
			Summary:        m.Summary,
			ActionRequired: m.ActionRequired,
		})
	}
	return items, nil
}

var sections = []struct {
	category models.Category
	title    string
}{
	{models.CategoryScheduleChange, "🔄 Schedule changes"},
	{models.CategoryEvent, "📅 Events"},
	{models.CategoryHomework, "📚 Homework"},
	{models.CategoryPayment, "💳 Payments"},
	{models.CategoryAnnouncement, "📢 Announcements"},
	{models.CategorySocial, "👋 Social"},
	{models.CategoryOther, "📝 Other"},
}

// Format renders items as a WhatsApp text message. Categories appear in a
// fixed order and lines within a category by descending urgency.
func Format(items []Item, maxPerCategory int) string {
	if len(items) == 0 {
		return ""
	}
	byCategory := make(map[models.Category][]Item)
	for _, it := range items {
		c := it.Category
		if !models.IsValidCategory(c) {
			c = models.CategoryOther
		}
		byCategory[c] = append(byCategory[c], it)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🧭 *Daily summary* (%d messages)", len(items))
	for _, sec := range sections {
		list := byCategory[sec.category]
		if len(list) == 0 {
			continue
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].Urgency > list[j].Urgency })
		b.WriteString("\n\n*" + sec.title + "*")
		for i, it := range list {
			if maxPerCategory > 0 && i == maxPerCategory {
				fmt.Fprintf(&b, "\n…and %d more", len(list)-maxPerCategory)
				break
			}
			b.WriteString("\n• ")
			if it.ActionRequired {
				b.WriteString("⚠️ ")
			}
			fmt.Fprintf(&b, "[%s] %s", it.Group, strings.TrimSpace(it.Summary))
		}
	}
	return b.String()
}
