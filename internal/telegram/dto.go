package telegram

import (
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/models"
)

// Update is one entry of the Bot API webhook payload. Only message updates
// are consumed; everything else arrives with a nil Message and is ignored.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID     int64          `json:"message_id"`
	From          *User          `json:"from"`
	Chat          Chat           `json:"chat"`
	Date          int64          `json:"date"`
	Text          string         `json:"text"`
	Caption       string         `json:"caption"`
	Photo         []PhotoSize    `json:"photo"`
	Video         *Video         `json:"video"`
	Document      *Document      `json:"document"`
	Audio         *Audio         `json:"audio"`
	Voice         *Voice         `json:"voice"`
	ForwardOrigin *MessageOrigin `json:"forward_origin"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

type Video struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MIME     string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MIME     string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type Audio struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MIME     string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type Voice struct {
	FileID   string `json:"file_id"`
	MIME     string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// MessageOrigin describes where a forwarded message came from. Which fields
// are set depends on Type: user, hidden_user, chat, or channel.
type MessageOrigin struct {
	Type           string `json:"type"`
	SenderUser     *User  `json:"sender_user"`
	SenderUserName string `json:"sender_user_name"`
	SenderChat     *Chat  `json:"sender_chat"`
	Chat           *Chat  `json:"chat"`
	MessageID      int64  `json:"message_id"`
}

// TaskFromMessage maps an inbound message to an IngestionTask. Captions stand
// in for text on media messages; of a photo's size variants the largest is
// referenced.
func TaskFromMessage(m *Message) models.IngestionTask {
	t := models.IngestionTask{
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		Text:      m.Text,
		SentAt:    time.Unix(m.Date, 0).UTC(),
	}
	if t.Text == "" {
		t.Text = m.Caption
	}
	if m.From != nil {
		t.UserID = m.From.ID
		t.Username = m.From.Username
	}
	t.ForwardSource = forwardSource(m.ForwardOrigin)
	t.Media = mediaRef(m)
	return t
}

func mediaRef(m *Message) *models.MediaRef {
	switch {
	case len(m.Photo) > 0:
		best := m.Photo[0]
		for _, p := range m.Photo[1:] {
			if p.Width*p.Height > best.Width*best.Height {
				best = p
			}
		}
		return &models.MediaRef{
			FileID:   best.FileID,
			FileName: "photo.jpg",
			MIME:     "image/jpeg",
			Kind:     models.MediaPhoto,
			FileSize: best.FileSize,
		}
	case m.Video != nil:
		name := m.Video.FileName
		if name == "" {
			name = "video.mp4"
		}
		return &models.MediaRef{
			FileID:   m.Video.FileID,
			FileName: name,
			MIME:     m.Video.MIME,
			Kind:     models.MediaVideo,
			FileSize: m.Video.FileSize,
		}
	case m.Document != nil:
		return &models.MediaRef{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MIME:     m.Document.MIME,
			Kind:     models.MediaDocument,
			FileSize: m.Document.FileSize,
		}
	case m.Audio != nil:
		name := m.Audio.FileName
		if name == "" {
			name = "audio.mp3"
		}
		return &models.MediaRef{
			FileID:   m.Audio.FileID,
			FileName: name,
			MIME:     m.Audio.MIME,
			Kind:     models.MediaDocument,
			FileSize: m.Audio.FileSize,
		}
	case m.Voice != nil:
		return &models.MediaRef{
			FileID:   m.Voice.FileID,
			FileName: "voice.ogg",
			MIME:     m.Voice.MIME,
			Kind:     models.MediaDocument,
			FileSize: m.Voice.FileSize,
		}
	}
	return nil
}

func forwardSource(o *MessageOrigin) string {
	if o == nil {
		return ""
	}
	switch o.Type {
	case "user":
		if o.SenderUser == nil {
			return ""
		}
		if o.SenderUser.Username != "" {
			return "@" + o.SenderUser.Username
		}
		return o.SenderUser.FirstName
	case "hidden_user":
		return o.SenderUserName
	case "channel":
		if o.Chat == nil {
			return ""
		}
		if o.Chat.Username != "" {
			return fmt.Sprintf("https://t.me/%s/%d", o.Chat.Username, o.MessageID)
		}
		return o.Chat.Title
	case "chat":
		if o.SenderChat == nil {
			return ""
		}
		return o.SenderChat.Title
	}
	return ""
}
