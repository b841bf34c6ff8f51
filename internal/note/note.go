// Package note assembles and parses the on-disk Markdown format for
// captured messages.
package note

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	separator     = "---"
	savedAtPrefix = "Saved At: "
	savedByPrefix = "Saved By: "
	sentAtPrefix  = "Sent At: "
	forwardPrefix = "Forwarded From: "
	tagsPrefix    = "Tags: "
)

var embedRe = regexp.MustCompile(`!\[\[(.*?)\]\]`)

// Input carries everything Assemble needs to render one note file.
type Input struct {
	Body          string
	AssetPath     string // vault-relative, embedded when non-empty
	SavedAt       time.Time
	Username      string
	UserID        int64
	SentAt        time.Time
	ForwardSource string
	Hashtags      []string
}

// Assemble renders the note file: freeform body, an optional embedded asset
// reference, then a metadata block behind a horizontal rule. Metadata lines
// keep a fixed order: save timestamp, attribution, original timestamp,
// forward source, tags.
func Assemble(in Input) string {
	var b strings.Builder

	body := strings.TrimRight(in.Body, "\n")
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	if in.AssetPath != "" {
		if body != "" {
			b.WriteString("\n")
		}
		b.WriteString("![[" + in.AssetPath + "]]\n")
	}

	b.WriteString("\n" + separator + "\n")
	b.WriteString(savedAtPrefix + in.SavedAt.Format(time.RFC3339) + "\n")
	if by := attribution(in.Username, in.UserID); by != "" {
		b.WriteString(savedByPrefix + by + "\n")
	}
	if !in.SentAt.IsZero() {
		b.WriteString(sentAtPrefix + in.SentAt.Format(time.RFC3339) + "\n")
	}
	if in.ForwardSource != "" {
		b.WriteString(forwardPrefix + in.ForwardSource + "\n")
	}
	if len(in.Hashtags) > 0 {
		b.WriteString(tagsPrefix + strings.Join(in.Hashtags, " ") + "\n")
	}

	return b.String()
}

func attribution(username string, userID int64) string {
	if username != "" {
		return username
	}
	if userID != 0 {
		return strconv.FormatInt(userID, 10)
	}
	return ""
}

// Info holds the output of parsing a note file back into its parts.
type Info struct {
	Body          string
	AssetPath     string
	SavedAt       time.Time
	SavedBy       string
	SentAt        time.Time
	ForwardSource string
	Tags          []string
}

// Extract splits a note file into body and metadata block. Files without a
// metadata block yield the whole content as body. Unknown metadata lines are
// ignored so the format can grow without breaking older readers.
func Extract(data []byte) Info {
	content := string(data)

	var info Info
	body, meta, found := splitAtLastRule(content)
	if !found {
		info.Body = strings.TrimRight(content, "\n")
		info.AssetPath = firstEmbed(info.Body)
		return info
	}

	info.Body = strings.TrimRight(body, "\n")
	info.AssetPath = firstEmbed(info.Body)

	for _, line := range strings.Split(meta, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, savedAtPrefix):
			info.SavedAt = parseTime(line[len(savedAtPrefix):])
		case strings.HasPrefix(line, savedByPrefix):
			info.SavedBy = strings.TrimSpace(line[len(savedByPrefix):])
		case strings.HasPrefix(line, sentAtPrefix):
			info.SentAt = parseTime(line[len(sentAtPrefix):])
		case strings.HasPrefix(line, forwardPrefix):
			info.ForwardSource = strings.TrimSpace(line[len(forwardPrefix):])
		case strings.HasPrefix(line, tagsPrefix):
			info.Tags = strings.Fields(line[len(tagsPrefix):])
		}
	}

	return info
}

// splitAtLastRule finds the final horizontal rule line and returns the text
// on either side. The last rule wins so bodies containing a literal --- line
// still parse.
func splitAtLastRule(content string) (body, meta string, found bool) {
	idx := strings.LastIndex(content, "\n"+separator+"\n")
	if idx < 0 {
		if strings.HasPrefix(content, separator+"\n") {
			return "", content[len(separator)+1:], true
		}
		return content, "", false
	}
	return content[:idx], content[idx+len(separator)+2:], true
}

func firstEmbed(body string) string {
	m := embedRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
