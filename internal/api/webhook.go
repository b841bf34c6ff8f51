// Package api exposes the HTTP surface: the Telegram webhook, health and
// status endpoints, Prometheus metrics, and the SSE event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/catalog"
	"github.com/starford/ansuz/internal/gitsync"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/telegram"
)

const (
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateBody     = 1 << 20
	defaultDedupTTL   = 10 * time.Minute
	recentLimit       = 5
)

const startMessage = "Hi! Send me text, photos, or documents and I'll file them " +
	"into your vault. /status shows the pipeline state, /recent lists the last saved notes."

// TaskQueue accepts inbound work for the pipeline worker.
type TaskQueue interface {
	Enqueue(task models.IngestionTask) error
	Len() int
}

// Responder sends command replies back to the originating chat.
type Responder interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// NoteCatalog reads saved-note bookkeeping for listings and status.
type NoteCatalog interface {
	Recent(ctx context.Context, limit int) ([]catalog.NoteRow, error)
	Count(ctx context.Context) (int, error)
}

// SyncStatusSource reports the git sync state.
type SyncStatusSource interface {
	CurrentStatus(ctx context.Context) gitsync.Status
}

// WebhookHandler receives Telegram updates, filters them, and turns messages
// into ingestion tasks. Bot commands are answered directly and never enter
// the queue.
type WebhookHandler struct {
	log     *slog.Logger
	queue   TaskQueue
	replies Responder
	catalog NoteCatalog
	sync    SyncStatusSource
	metrics *metrics.Metrics
	secret  string
	allowed map[int64]struct{}
	seen    *cache.Cache
}

func NewWebhookHandler(cfg Config) *WebhookHandler {
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = struct{}{}
	}
	return &WebhookHandler{
		log:     cfg.Log,
		queue:   cfg.Queue,
		replies: cfg.Responder,
		catalog: cfg.Catalog,
		sync:    cfg.Sync,
		metrics: cfg.Metrics,
		secret:  cfg.SecretToken,
		allowed: allowed,
		seen:    cache.New(ttl, 2*ttl),
	}
}

// Handle processes POST /api/telegram/webhook. Everything past the secret
// check answers 200 so Telegram stops redelivering: filtering outcomes are
// recorded in metrics, not in the HTTP status.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && r.Header.Get(secretTokenHeader) != h.secret {
		h.metrics.RecordUpdate("unauthorized")
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpdateBody)
	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.metrics.RecordUpdate("ignored")
		writeJSON(w, http.StatusBadRequest, errorBody("invalid update payload"))
		return
	}

	// Telegram redelivers updates it considers unacknowledged, so each
	// update id is accepted once and remembered for the TTL window.
	key := strconv.FormatInt(update.UpdateID, 10)
	if err := h.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		h.log.Debug("api: duplicate update", slog.Int64("update_id", update.UpdateID))
		h.metrics.RecordUpdate("duplicate")
		writeJSON(w, http.StatusOK, okBody())
		return
	}

	msg := update.Message
	if msg == nil {
		h.metrics.RecordUpdate("ignored")
		writeJSON(w, http.StatusOK, okBody())
		return
	}

	if !h.userAllowed(msg.From) {
		var userID int64
		if msg.From != nil {
			userID = msg.From.ID
		}
		h.log.Warn("api: update from unauthorized user",
			slog.Int64("user_id", userID),
			slog.Int64("chat_id", msg.Chat.ID))
		h.metrics.RecordUpdate("unauthorized")
		writeJSON(w, http.StatusOK, okBody())
		return
	}

	if cmd := commandName(msg.Text); cmd != "" {
		h.metrics.RecordUpdate("command")
		h.handleCommand(r.Context(), msg.Chat.ID, cmd)
		writeJSON(w, http.StatusOK, okBody())
		return
	}

	task := telegram.TaskFromMessage(msg)
	if task.Empty() {
		h.metrics.RecordUpdate("ignored")
		writeJSON(w, http.StatusOK, okBody())
		return
	}

	if err := h.queue.Enqueue(task); err != nil {
		h.metrics.RecordUpdate("rejected")
		if errors.Is(err, apperr.ErrQueueFull) {
			h.reply(r.Context(), msg.Chat.ID, "I'm busy right now, send that again in a moment.")
		}
		writeJSON(w, http.StatusOK, okBody())
		return
	}

	h.metrics.RecordUpdate("accepted")
	writeJSON(w, http.StatusOK, okBody())
}

// userAllowed applies the allowlist. An empty allowlist admits everyone.
func (h *WebhookHandler) userAllowed(from *telegram.User) bool {
	if len(h.allowed) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	_, ok := h.allowed[from.ID]
	return ok
}

// commandName extracts a leading bot command, stripping the @BotName suffix
// Telegram appends in group chats. Non-commands yield "".
func commandName(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	name := strings.Fields(text)[0]
	if i := strings.Index(name, "@"); i > 0 {
		name = name[:i]
	}
	return name
}

func (h *WebhookHandler) handleCommand(ctx context.Context, chatID int64, cmd string) {
	switch cmd {
	case "/start":
		h.reply(ctx, chatID, startMessage)
	case "/status":
		h.reply(ctx, chatID, h.statusMessage(ctx))
	case "/recent":
		h.reply(ctx, chatID, h.recentMessage(ctx))
	default:
		h.reply(ctx, chatID, "Unknown command. Try /status or /recent.")
	}
}

func (h *WebhookHandler) statusMessage(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d task(s)\n", h.queue.Len())

	if h.catalog != nil {
		if n, err := h.catalog.Count(ctx); err == nil {
			fmt.Fprintf(&b, "Notes saved: %d\n", n)
		}
	}
	if h.sync != nil {
		st := h.sync.CurrentStatus(ctx)
		fmt.Fprintf(&b, "Pending publish: %d\n", st.PendingCount)
		switch {
		case st.LastPushError != "":
			b.WriteString("Last push: failed\n")
		case !st.LastPushAt.IsZero():
			b.WriteString("Last push: " + st.LastPushAt.Format(time.RFC3339) + "\n")
		}
		switch {
		case st.LastPullError != "":
			b.WriteString("Last pull: failed\n")
		case !st.LastPullAt.IsZero():
			b.WriteString("Last pull: " + st.LastPullAt.Format(time.RFC3339) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *WebhookHandler) recentMessage(ctx context.Context) string {
	if h.catalog == nil {
		return "No notes saved yet."
	}
	rows, err := h.catalog.Recent(ctx, recentLimit)
	if err != nil {
		h.log.Error("api: recent notes lookup failed", slog.String("error", err.Error()))
		return "Couldn't look up recent notes."
	}
	if len(rows) == 0 {
		return "No notes saved yet."
	}

	var b strings.Builder
	b.WriteString("Recent notes:\n")
	for _, row := range rows {
		b.WriteString("- **" + row.Title + "**")
		if len(row.Tags) > 0 {
			b.WriteString(" " + strings.Join(row.Tags, " "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *WebhookHandler) reply(ctx context.Context, chatID int64, text string) {
	if h.replies == nil || chatID == 0 {
		return
	}
	if err := h.replies.SendMessage(ctx, chatID, text); err != nil {
		h.log.Warn("api: command reply failed",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
	}
}
