package vault

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const maxNameLen = 100

var (
	invalidCharRe = regexp.MustCompile(`[\x00-\x1f/\\:*?"<>|]`)
	dashRunRe     = regexp.MustCompile(`-{2,}`)
)

// SanitizeFileName makes a string safe as a file name across common
// filesystems: invalid characters become dashes, dash runs collapse, leading
// and trailing dashes are trimmed, and the result is capped at 100
// characters. An empty result is replaced with a timestamp placeholder.
func SanitizeFileName(name string) string {
	s := scrub(name)
	if s == "" {
		return timestampName()
	}
	return s
}

// SanitizeTitle sanitizes a note title for use as a file name, additionally
// stripping a trailing period (Windows rejects names ending in one).
func SanitizeTitle(title string) string {
	s := strings.TrimSuffix(scrub(title), ".")
	if s == "" {
		return timestampName()
	}
	return s
}

func scrub(name string) string {
	s := invalidCharRe.ReplaceAllString(name, "-")
	s = dashRunRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "- ")
	if r := []rune(s); len(r) > maxNameLen {
		s = string(r[:maxNameLen])
	}
	return s
}

// assetFileName builds `<epoch-millis>-<sanitized-base><ext>`. The timestamp
// prefix is the sole uniqueness guard; there is no collision probe for
// assets. Files without an extension get ".unknown" so the type can be fixed
// up by hand later.
func assetFileName(originalName string, now time.Time) string {
	rawExt := filepath.Ext(originalName)
	base := strings.TrimSuffix(filepath.Base(originalName), rawExt)
	ext := scrubExt(rawExt)
	if ext == "" {
		ext = ".unknown"
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), SanitizeFileName(base), ext)
}

// scrubExt sanitizes an extension the same way as the base name. An
// extension that scrubs down to nothing is treated as absent.
func scrubExt(ext string) string {
	s := scrub(strings.TrimPrefix(ext, "."))
	if s == "" {
		return ""
	}
	return "." + s
}

// TimestampTitle returns the emergency title used when name resolution
// exhausts its collision probes or sanitization consumes the whole input.
func TimestampTitle() string {
	return timestampName()
}

func timestampName() string {
	return fmt.Sprintf("note-%d", time.Now().UnixMilli())
}
