package interfaces

import (
	"context"
	"fmt"
)

// FileKey identifies a remote file for download reuse and preview caching.
type FileKey struct {
	Location string
	ID       uint64
}

func (k FileKey) String() string {
	return fmt.Sprintf("%s/%d", k.Location, k.ID)
}

// TransferEventKind distinguishes progress, completion and failure events.
type TransferEventKind int

const (
	TransferProgress TransferEventKind = iota
	TransferDone
	TransferFailed
)

// UploadRequest hands encrypted file bytes to the upload collaborator.
type UploadRequest struct {
	FileID   uint64
	Bytes    []byte
	Checksum string
}

// UploadEvent is one element of an upload stream. The stream ends with
// exactly one TransferDone or TransferFailed event.
type UploadEvent struct {
	Kind       TransferEventKind
	Offset     int64
	PartsCount int
	Location   string
	Err        error
}

// DownloadEvent is one element of a download stream. Bytes is set on
// TransferDone only and holds the encrypted file content.
type DownloadEvent struct {
	Kind   TransferEventKind
	Offset int64
	Bytes  []byte
	Err    error
}

// Uploader transfers encrypted file content. The returned channel is closed
// after the final event.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) <-chan UploadEvent
}

// Downloader fetches encrypted file content. The returned channel is closed
// after the final event.
type Downloader interface {
	Download(ctx context.Context, key FileKey) <-chan DownloadEvent
}

// PreviewCache keeps decrypted previews locally. It is consulted
// opportunistically; a miss or an error only costs a download.
type PreviewCache interface {
	LoadPreview(ctx context.Context, key FileKey) ([]byte, error)
	StorePreview(ctx context.Context, key FileKey, data []byte) error
}
