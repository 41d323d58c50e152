package whatsapp

import (
	"sort"
	"sync"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"go.mau.fi/whatsmeow/types"
)

// DefaultHistoryPerChat caps the messages kept per chat for history scans.
const DefaultHistoryPerChat = 500

// recentMessages keeps the latest messages seen per chat, from live events and
// history sync blobs, so a history scan can read them back.
type recentMessages struct {
	mu      sync.Mutex
	perChat int
	chats   map[string]*chatHistory
}

type chatHistory struct {
	msgs   []models.ChatMessage
	seen   map[string]struct{}
	oldest *types.MessageInfo
}

func newRecentMessages(perChat int) *recentMessages {
	if perChat <= 0 {
		perChat = DefaultHistoryPerChat
	}
	return &recentMessages{perChat: perChat, chats: make(map[string]*chatHistory)}
}

// add records m; info, when non-nil, is kept if it is the oldest message seen.
func (r *recentMessages) add(m models.ChatMessage, info *types.MessageInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.chats[m.ChatID]
	if h == nil {
		h = &chatHistory{seen: make(map[string]struct{})}
		r.chats[m.ChatID] = h
	}
	if info != nil && (h.oldest == nil || info.Timestamp.Before(h.oldest.Timestamp)) {
		cp := *info
		h.oldest = &cp
	}
	if _, dup := h.seen[m.ID]; dup {
		return
	}
	h.seen[m.ID] = struct{}{}
	h.msgs = append(h.msgs, m)
	if len(h.msgs) > r.perChat {
		sort.SliceStable(h.msgs, func(i, j int) bool { return h.msgs[i].Timestamp.Before(h.msgs[j].Timestamp) })
		drop := h.msgs[:len(h.msgs)-r.perChat]
		for _, d := range drop {
			delete(h.seen, d.ID)
		}
		h.msgs = append([]models.ChatMessage(nil), h.msgs[len(h.msgs)-r.perChat:]...)
	}
}

// recent returns up to limit of the newest messages of chatID, oldest first.
func (r *recentMessages) recent(chatID string, limit int) []models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.chats[chatID]
	if h == nil {
		return nil
	}
	out := append([]models.ChatMessage(nil), h.msgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (r *recentMessages) oldestInfo(chatID string) *types.MessageInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.chats[chatID]; h != nil && h.oldest != nil {
		cp := *h.oldest
		return &cp
	}
	return nil
}
