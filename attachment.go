package ticketsync

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// MaxAttachmentSize bounds what NewAttachment accepts. The server applies
// its own limit as well.
const MaxAttachmentSize = 25 << 20

// NewAttachment prepares data for UploadMedia. The MIME type is sniffed
// from the content; when sniffing only yields a generic type the file
// extension decides.
func NewAttachment(filename string, data []byte) (Attachment, error) {
	if filename == "" {
		return Attachment{}, fmt.Errorf("attachment: filename is required")
	}
	if len(data) == 0 {
		return Attachment{}, fmt.Errorf("attachment %s: empty file", filename)
	}
	if len(data) > MaxAttachmentSize {
		return Attachment{}, fmt.Errorf("attachment %s: %d bytes exceeds limit of %d", filename, len(data), MaxAttachmentSize)
	}

	mt := stripMIMEParams(mimetype.Detect(data).String())
	if mt == "application/octet-stream" || mt == "text/plain" {
		if guessed := guessMimeType(filename); guessed != "application/octet-stream" {
			mt = guessed
		}
	}
	return Attachment{
		Filename: filepath.Base(filename),
		MimeType: mt,
		Kind:     MediaKindForMIME(mt),
		Data:     data,
	}, nil
}

// AttachmentFromFile reads path and calls NewAttachment.
func AttachmentFromFile(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to read file: %w", err)
	}
	return NewAttachment(filepath.Base(path), data)
}
