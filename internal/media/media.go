// Package media defines the attachment contract between message sending and
// the external CDN collaborator. The engine never stores file bytes itself;
// an attachment is always an already-uploaded reference.
package media

import (
	"context"
	"io"
)

// Attachment kinds. Kind selects the chat-list preview label.
const (
	KindImage = "image"
	KindVideo = "video"
	KindAudio = "audio"
	KindFile  = "file"
)

// Attachment is an uploaded media reference attached to a message.
type Attachment struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// Uploader pushes a file to external storage and returns its reference.
// Upload runs synchronously before send; a failed upload aborts the send
// with no retry.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (Attachment, error)
}
