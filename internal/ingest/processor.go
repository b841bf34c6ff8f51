// Package ingest runs the pipeline that turns one inbound message into a
// committed vault note: download media, save the asset, enrich with
// metadata, assemble and save the note, then publish via git.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/catalog"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/metadata"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/note"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/vault"
)

const (
	maxErrorReplyLen  = 200
	maxCommitTitleLen = 50
)

// MediaDownloader fetches attachment bytes for a media reference.
type MediaDownloader interface {
	Download(ctx context.Context, ref models.MediaRef) (models.DownloadedMedia, error)
}

// ReplySender delivers feedback to the originating chat.
type ReplySender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// MetadataSource derives a title and hashtags for note content.
type MetadataSource interface {
	Generate(ctx context.Context, text string, images []models.DownloadedMedia) (models.NoteMetadata, error)
}

// Syncer publishes vault changes to the remote repository.
type Syncer interface {
	CommitAndPush(ctx context.Context, paths []string, message string) error
}

// Recorder keeps the catalog row for a saved note.
type Recorder interface {
	UpsertNote(ctx context.Context, n catalog.NoteRow) error
}

// Config carries the processor's collaborators. Replies, Catalog, Events,
// and Metrics may be nil.
type Config struct {
	Vault    *vault.Vault
	Media    MediaDownloader
	Replies  ReplySender
	Metadata MetadataSource
	Sync     Syncer
	Catalog  Recorder
	Events   *sse.Broker
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Processor executes the ingestion pipeline for one task at a time.
type Processor struct {
	vault   *vault.Vault
	media   MediaDownloader
	replies ReplySender
	meta    MetadataSource
	sync    Syncer
	catalog Recorder
	events  *sse.Broker
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config) *Processor {
	return &Processor{
		vault:   cfg.Vault,
		media:   cfg.Media,
		replies: cfg.Replies,
		meta:    cfg.Metadata,
		sync:    cfg.Sync,
		catalog: cfg.Catalog,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		log:     cfg.Log,
	}
}

type result struct {
	relPath string
	title   string
	md      models.NoteMetadata
}

// Process runs the full pipeline for one task. A pipeline failure aborts the
// remaining steps and yields exactly one failure reply in the originating
// chat; the error is returned for the queue worker to log.
func (p *Processor) Process(ctx context.Context, task models.IngestionTask) error {
	res, err := p.run(ctx, task)
	if err != nil {
		p.events.Publish(sse.Event{Type: "task.failed", Data: map[string]string{
			"task_id": task.ID,
			"error":   err.Error(),
		}})
		p.reply(ctx, task, "Failed to save your message: "+truncateText(err.Error(), maxErrorReplyLen))
		return err
	}

	msg := fmt.Sprintf("Saved **%s**", res.title)
	if len(res.md.Hashtags) > 0 {
		msg += "\n" + strings.Join(res.md.Hashtags, " ")
	}
	p.reply(ctx, task, msg)
	return nil
}

func (p *Processor) run(ctx context.Context, task models.IngestionTask) (result, error) {
	p.acknowledge(ctx, task)

	var media *models.DownloadedMedia
	var assetRel string
	if task.Media != nil {
		dl, err := p.media.Download(ctx, *task.Media)
		if err != nil {
			return result{}, fmt.Errorf("ingest: download media: %w", err)
		}
		media = &dl

		assetRel, err = p.vault.SaveAsset(dl.Data, dl.FileName)
		if err != nil {
			return result{}, fmt.Errorf("ingest: save asset: %w", err)
		}
		p.log.Debug("ingest: asset saved", slog.String("task_id", task.ID), slog.String("path", assetRel))
	}

	md := p.generateMetadata(ctx, task, media)

	content := note.Assemble(note.Input{
		Body:          task.Text,
		AssetPath:     assetRel,
		SavedAt:       time.Now().UTC(),
		Username:      task.Username,
		UserID:        task.UserID,
		SentAt:        task.SentAt,
		ForwardSource: task.ForwardSource,
		Hashtags:      md.Hashtags,
	})

	absPath, title, err := p.saveNote(md.Title, content)
	if err != nil {
		return result{}, err
	}
	rel, err := p.vault.Rel(absPath)
	if err != nil {
		return result{}, fmt.Errorf("ingest: %w", err)
	}
	p.log.Info("ingest: note saved",
		slog.String("task_id", task.ID),
		slog.String("path", rel),
		slog.Bool("fallback_metadata", md.Fallback))

	p.record(ctx, task, rel, title, md, assetRel, content)

	paths := []string{absPath}
	if assetRel != "" {
		if assetAbs, aerr := p.vault.Abs(assetRel); aerr == nil {
			paths = append(paths, assetAbs)
		}
	}
	if err := p.sync.CommitAndPush(ctx, paths, commitMessage(title)); err != nil {
		return result{}, fmt.Errorf("ingest: publish: %w", err)
	}

	p.events.PublishNoteEvent("saved", rel, title)
	return result{relPath: rel, title: title, md: md}, nil
}

// saveNote persists the note, falling back to a timestamp title when the
// collision probe space for the wanted name is exhausted. Returns the path
// and the title actually used.
func (p *Processor) saveNote(title, content string) (string, string, error) {
	abs, err := p.vault.SaveNote(title, content)
	if err == nil {
		return abs, title, nil
	}
	if !errors.Is(err, apperr.ErrNameExhausted) {
		return "", "", fmt.Errorf("ingest: save note: %w", err)
	}

	emergency := vault.TimestampTitle()
	p.log.Warn("ingest: note names exhausted, using timestamp title",
		slog.String("title", title),
		slog.String("fallback", emergency))
	abs, err = p.vault.SaveNote(emergency, content)
	if err != nil {
		return "", "", fmt.Errorf("ingest: save note: %w", err)
	}
	return abs, emergency, nil
}

// generateMetadata asks the metadata source for enrichment and substitutes
// the deterministic fallback when it fails, warning the user once. The
// generator always gets some text: captionless media is described by its
// file name.
func (p *Processor) generateMetadata(ctx context.Context, task models.IngestionTask, media *models.DownloadedMedia) models.NoteMetadata {
	var images []models.DownloadedMedia
	if media != nil && task.Media != nil && isImage(*task.Media) {
		images = []models.DownloadedMedia{*media}
	}

	input := task.Text
	if strings.TrimSpace(input) == "" && media != nil {
		input = "Attached file: " + media.FileName
	}

	md, err := p.meta.Generate(ctx, input, images)
	if err == nil {
		return md
	}

	p.log.Warn("ingest: metadata generation failed, using fallback",
		slog.String("task_id", task.ID),
		slog.String("error", err.Error()))
	p.metrics.RecordMetadataFallback()
	p.reply(ctx, task, "Couldn't generate a title and tags for this note, filing it as uncategorized.")
	return metadata.Fallback(task.MessageID)
}

func (p *Processor) record(ctx context.Context, task models.IngestionTask, rel, title string, md models.NoteMetadata, assetRel, content string) {
	if p.catalog == nil {
		return
	}
	row := catalog.NoteRow{
		Path:      rel,
		Title:     title,
		Checksum:  checksum.Sum([]byte(content)),
		Tags:      md.Hashtags,
		ChatID:    task.ChatID,
		Username:  task.Username,
		AssetPath: assetRel,
		SavedAt:   time.Now().UTC(),
	}
	if err := p.catalog.UpsertNote(ctx, row); err != nil {
		p.log.Warn("ingest: catalog update failed",
			slog.String("path", rel),
			slog.String("error", err.Error()))
	}
}

func (p *Processor) acknowledge(ctx context.Context, task models.IngestionTask) {
	if p.replies == nil || task.ChatID == 0 {
		return
	}
	if err := p.replies.SendChatAction(ctx, task.ChatID, "typing"); err != nil {
		p.log.Debug("ingest: chat action failed", slog.String("error", err.Error()))
	}
}

func (p *Processor) reply(ctx context.Context, task models.IngestionTask, text string) {
	if p.replies == nil || task.ChatID == 0 {
		return
	}
	if err := p.replies.SendMessage(ctx, task.ChatID, text); err != nil {
		p.log.Warn("ingest: reply failed",
			slog.Int64("chat_id", task.ChatID),
			slog.String("error", err.Error()))
	}
}

func isImage(ref models.MediaRef) bool {
	return ref.Kind == models.MediaPhoto || strings.HasPrefix(ref.MIME, "image/")
}

func commitMessage(title string) string {
	return "Add note: " + truncateText(title, maxCommitTitleLen)
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
