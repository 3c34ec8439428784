package content

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
)

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

const (
	minUsernameLen = 3
	maxUsernameLen = 20
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for message bodies and edits before they are persisted.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateUsername checks the length (3 to 20 characters) and that only
// alphanumerics, dot, dash and underscore are used.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	n := utf8.RuneCountInString(username)
	if n < minUsernameLen || n > maxUsernameLen {
		return errors.New("username must be between 3 and 20 characters")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// MediaKind infers the message kind for an attachment. The declared media
// type wins when it is a kind name ("image") or a MIME type ("image/png");
// otherwise the file extension is looked up. Anything unrecognised is a
// document.
func MediaKind(media models.Media) models.MessageKind {
	if k := kindFromType(media.Type); k != "" {
		return k
	}

	name := media.Name
	if name == "" {
		name = media.URL
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext != "" {
		if t := filetype.GetType(ext); t != filetype.Unknown {
			if k := kindFromType(t.MIME.Type); k != "" {
				return k
			}
		}
	}
	return models.MessageKindDocument
}

func kindFromType(declared string) models.MessageKind {
	major, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(declared)), "/")
	switch major {
	case "image":
		return models.MessageKindImage
	case "video":
		return models.MessageKindVideo
	case "audio":
		return models.MessageKindAudio
	case "document", "application", "text":
		return models.MessageKindDocument
	}
	return ""
}
