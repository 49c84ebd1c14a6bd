package analysis

import (
	"encoding/base64"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/example/ai-check-client/internal/apperror"
)

// MaxUploadSize is the largest image accepted for analysis.
const MaxUploadSize = 10 * 1024 * 1024

const (
	MessageNotAnImage = "please select a valid image file"
	MessageTooLarge   = "the image must not exceed 10MB"
)

// Upload is a file chosen by the user, with the media type it declares.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the file size in bytes.
func (u Upload) Size() int64 {
	return int64(len(u.Data))
}

// ValidateUpload rejects files that must never reach the network.
func ValidateUpload(u Upload) error {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(u.ContentType)), "image/") {
		return apperror.InvalidInput(MessageNotAnImage)
	}
	if u.Size() > MaxUploadSize {
		return apperror.InvalidInput(MessageTooLarge)
	}
	return nil
}

// Preview renders the file as a data URL for display.
func Preview(u Upload) string {
	mediaType := u.ContentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return "data:" + strings.TrimSpace(mediaType) + ";base64," + base64.StdEncoding.EncodeToString(u.Data)
}

// LoadUpload builds an Upload for a local file, declaring its media type from
// the content rather than the extension.
func LoadUpload(path string, data []byte) Upload {
	return Upload{
		Name:        filepath.Base(path),
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}
}
