// Package metadata derives note titles and hashtags from message content via
// an OpenAI-compatible completion endpoint.
package metadata

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/models"
)

const (
	maxAttempts       = 3
	defaultRetryDelay = time.Second
	requestTimeout    = 60 * time.Second
)

const systemPrompt = `You generate filing metadata for personal notes. Reply with a single JSON object, no other text, in the form {"title": "...", "hashtags": ["#...", "#..."]}.
The title must be a concise summary in the same language as the note, safe to use as a file name (no slashes, colons or quotes).
The hashtags must be in English, each starting with "#", and must include any named entities (people, places, products) mentioned in the note or the attached images.`

// jsonObjectRe salvages a JSON object out of a reply that wraps it in prose
// or a markdown fence.
var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// Config carries the completion endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	// RetryDelay is the wait before the second attempt; it doubles for each
	// further retry. Zero selects the default.
	RetryDelay time.Duration
}

// Generator turns message text and images into NoteMetadata.
type Generator struct {
	url        string
	apiKey     string
	model      string
	retryDelay time.Duration
	client     *http.Client
	log        *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Generator {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &Generator{
		url:        strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		retryDelay: delay,
		client:     &http.Client{Timeout: requestTimeout},
		log:        log,
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate asks the completion service for a title and hashtags describing
// the given text and images. Up to three attempts are made with doubling
// backoff between them; the last failure is returned once all are exhausted.
func (g *Generator) Generate(ctx context.Context, text string, images []models.DownloadedMedia) (models.NoteMetadata, error) {
	body, err := g.buildRequest(text, images)
	if err != nil {
		return models.NoteMetadata{}, fmt.Errorf("metadata: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := g.retryDelay << (attempt - 2)
			select {
			case <-ctx.Done():
				return models.NoteMetadata{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		md, err := g.complete(ctx, body)
		if err == nil {
			return md, nil
		}
		lastErr = err
		g.log.Warn("metadata: generation attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return models.NoteMetadata{}, fmt.Errorf("metadata: %d attempts exhausted: %w", maxAttempts, lastErr)
}

func (g *Generator) buildRequest(text string, images []models.DownloadedMedia) ([]byte, error) {
	userText := strings.TrimSpace(text)
	if userText == "" {
		userText = "Derive the metadata from the attached image."
	}

	var content any = userText
	if len(images) > 0 {
		parts := []contentPart{{Type: "text", Text: userText}}
		for _, img := range images {
			mime := img.MIME
			if mime == "" {
				mime = "image/jpeg"
			}
			parts = append(parts, contentPart{
				Type: "image_url",
				ImageURL: &imageURL{
					URL:    fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data)),
					Detail: "low",
				},
			})
		}
		content = parts
	}

	return json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: content},
		},
		Temperature:    0.3,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
}

func (g *Generator) complete(ctx context.Context, body []byte) (models.NoteMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return models.NoteMetadata{}, fmt.Errorf("metadata: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return models.NoteMetadata{}, fmt.Errorf("metadata: completion request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NoteMetadata{}, fmt.Errorf("metadata: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.NoteMetadata{}, fmt.Errorf("metadata: completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return models.NoteMetadata{}, fmt.Errorf("metadata: decode response: %w", err)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return models.NoteMetadata{}, errors.New("metadata: empty completion")
	}
	return parseMetadata(cr.Choices[0].Message.Content)
}

// parseMetadata decodes a completion reply, salvaging a JSON object from
// surrounding prose when the direct parse fails. A reply without a string
// title and a list-valued hashtags field is rejected.
func parseMetadata(content string) (models.NoteMetadata, error) {
	raw := map[string]any{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		salvaged := jsonObjectRe.FindString(content)
		if salvaged == "" {
			return models.NoteMetadata{}, fmt.Errorf("metadata: no JSON object in reply: %w", err)
		}
		raw = map[string]any{}
		if err := json.Unmarshal([]byte(salvaged), &raw); err != nil {
			return models.NoteMetadata{}, fmt.Errorf("metadata: parse salvaged reply: %w", err)
		}
	}

	title, ok := raw["title"].(string)
	title = strings.TrimSpace(title)
	if !ok || title == "" {
		return models.NoteMetadata{}, errors.New("metadata: reply missing title")
	}
	list, ok := raw["hashtags"].([]any)
	if !ok {
		return models.NoteMetadata{}, errors.New("metadata: reply missing hashtags list")
	}

	return models.NoteMetadata{Title: title, Hashtags: NormalizeHashtags(list)}, nil
}

// NormalizeHashtags trims each tag, prepends a missing '#', and drops
// non-string or empty entries, preserving order.
func NormalizeHashtags(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, "#") {
			s = "#" + s
		}
		out = append(out, s)
	}
	return out
}

// Fallback is the deterministic metadata substituted when generation fails.
func Fallback(messageID int64) models.NoteMetadata {
	return models.NoteMetadata{
		Title:    fmt.Sprintf("Uncategorized Note - %d", messageID),
		Hashtags: []string{"#uncategorized", "#ai-error"},
		Fallback: true,
	}
}
