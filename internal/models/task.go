// Package models defines the domain types for Ansuz.
package models

import "time"

// MediaKind classifies an attachment by how the chat platform delivered it.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaRef identifies content to be fetched from the chat platform. It is a
// reference, not a byte payload.
type MediaRef struct {
	FileID   string    `json:"file_id"`
	FileName string    `json:"file_name,omitempty"`
	MIME     string    `json:"mime_type,omitempty"`
	Kind     MediaKind `json:"kind"`
	FileSize int64     `json:"file_size,omitempty"`
}

// IngestionTask is one inbound message awaiting persistence. Immutable once
// enqueued; consumed exactly once by the processor. At least one of Text or
// Media must be present or the task is dropped before entering the queue.
type IngestionTask struct {
	ID            string    `json:"id"`
	ChatID        int64     `json:"chat_id"`
	MessageID     int64     `json:"message_id"`
	Text          string    `json:"text,omitempty"`
	Media         *MediaRef `json:"media,omitempty"`
	ForwardSource string    `json:"forward_source,omitempty"`
	UserID        int64     `json:"user_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	SentAt        time.Time `json:"sent_at"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Empty reports whether the task carries neither text nor media.
func (t IngestionTask) Empty() bool {
	return t.Text == "" && t.Media == nil
}

// DownloadedMedia holds fetched attachment bytes for the duration of one
// task. Owned solely by the processor; never persisted as-is.
type DownloadedMedia struct {
	Data     []byte
	FileName string
	MIME     string
}

// NoteMetadata is the AI-derived (or fallback) enrichment for a note. Title
// is never empty; every hashtag carries a leading '#'.
type NoteMetadata struct {
	Title    string   `json:"title"`
	Hashtags []string `json:"hashtags"`
	Fallback bool     `json:"-"`
}
