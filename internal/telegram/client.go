// Package telegram is a minimal Bot API client covering what Ansuz needs:
// decoding webhook updates, downloading attached files, and replying to
// chats.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/leonid-shevtsov/telegold"
	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"

	"github.com/starford/ansuz/internal/models"
)

const (
	defaultAPIBase     = "https://api.telegram.org"
	defaultMaxFileSize = 20 << 20 // Bot API refuses getFile beyond 20 MB
	defaultSendRate    = rate.Limit(1)
	defaultSendBurst   = 3
	requestTimeout     = 60 * time.Second
	maxMessageLen      = 4096
)

// htmlConverter renders markdown replies into the HTML subset Telegram
// accepts.
var htmlConverter = goldmark.New(goldmark.WithRenderer(telegold.NewRenderer()))

// Config carries the Bot API settings.
type Config struct {
	Token   string
	APIBase string

	// MaxFileSize caps attachment downloads in bytes. Zero selects the
	// Bot API limit.
	MaxFileSize int64

	// SendRate and SendBurst bound outbound messages per chat etiquette.
	SendRate  rate.Limit
	SendBurst int
}

// Client talks to the Telegram Bot API over plain HTTP.
type Client struct {
	token       string
	apiBase     string
	client      *http.Client
	limiter     *rate.Limiter
	maxFileSize int64
	log         *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Client {
	base := cfg.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	sendRate := cfg.SendRate
	if sendRate <= 0 {
		sendRate = defaultSendRate
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = defaultSendBurst
	}
	return &Client{
		token:       cfg.Token,
		apiBase:     strings.TrimSuffix(base, "/"),
		client:      &http.Client{Timeout: requestTimeout},
		limiter:     rate.NewLimiter(sendRate, burst),
		maxFileSize: maxSize,
		log:         log,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type chatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

type getFileRequest struct {
	FileID string `json:"file_id"`
}

// SendMessage delivers text to a chat, rendering markdown to Telegram HTML.
// When Telegram rejects the HTML entities the message is retried once as
// plain text, so a reply is never lost to formatting.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}

	text = truncate(text, maxMessageLen)
	_, err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:    chatID,
		Text:      renderHTML(text),
		ParseMode: "HTML",
	})
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "can't parse entities") {
		return fmt.Errorf("telegram: send message: %w", err)
	}

	c.log.Warn("telegram: html rejected, retrying plain", slog.Int64("chat_id", chatID))
	if _, err := c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// SendChatAction shows a transient activity indicator ("typing" and friends)
// in the chat.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if _, err := c.call(ctx, "sendChatAction", chatActionRequest{ChatID: chatID, Action: action}); err != nil {
		return fmt.Errorf("telegram: send chat action: %w", err)
	}
	return nil
}

// Download resolves a media reference through getFile and fetches the bytes,
// refusing anything over the configured size cap.
func (c *Client) Download(ctx context.Context, ref models.MediaRef) (models.DownloadedMedia, error) {
	if ref.FileSize > c.maxFileSize {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: file %s is %d bytes, over the %d limit", ref.FileID, ref.FileSize, c.maxFileSize)
	}

	raw, err := c.call(ctx, "getFile", getFileRequest{FileID: ref.FileID})
	if err != nil {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: get file: %w", err)
	}
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: get file: decode result: %w", err)
	}
	if file.FilePath == "" {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: get file: no path for %s", ref.FileID)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: download: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxFileSize+1))
	if err != nil {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: download: %w", err)
	}
	if int64(len(data)) > c.maxFileSize {
		return models.DownloadedMedia{}, fmt.Errorf("telegram: file %s exceeds the %d byte limit", ref.FileID, c.maxFileSize)
	}

	name := ref.FileName
	if name == "" {
		name = path.Base(file.FilePath)
	}
	mime := ref.MIME
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return models.DownloadedMedia{Data: data, FileName: name, MIME: mime}, nil
}

func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	// The Bot API reports errors in the JSON envelope, with the HTTP status
	// mirroring error_code.
	var env apiResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		return nil, fmt.Errorf("%s: api error %d: %s", method, env.ErrorCode, env.Description)
	}
	return env.Result, nil
}

func renderHTML(text string) string {
	var buf bytes.Buffer
	if err := htmlConverter.Convert([]byte(text), &buf); err != nil {
		return text
	}
	return strings.TrimSpace(buf.String())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
