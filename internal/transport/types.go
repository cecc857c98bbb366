package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Photo is an in-memory image with an optional caption.
type Photo struct {
	Data     []byte
	FileName string
	Caption  string
}

// Document is a file on local disk. It is streamed from Path by the channel.
type Document struct {
	Path     string
	FileName string
	Caption  string
}

// Channel is the outbound messaging capability used by the delivery pipeline
// and the upcoming-results digest.
type Channel interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, p Photo, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, d Document, opt *SendOptions) (MessageRef, error)
	// SendAlbum sends up to ten photos as one media group. Only the first
	// caption is shown by most clients.
	SendAlbum(ctx context.Context, to ChatTarget, photos []Photo, opt *SendOptions) ([]MessageRef, error)
}
