package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/interfaces"
)

// DefaultPartSize is the size of one stored ciphertext part.
const DefaultPartSize = 128 * 1024

var (
	ErrChecksumMismatch = errors.New("file checksum mismatch")
	ErrManifestMismatch = errors.New("manifest does not describe the requested file")
)

// Manifest lists the parts of one uploaded file. Its content id, hex encoded,
// is the file location handed back to the uploader's caller.
type Manifest struct {
	FileID   uint64   `json:"file_id"`
	Size     int64    `json:"size"`
	Checksum string   `json:"checksum"`
	Parts    []string `json:"parts"`
}

// Service implements interfaces.Uploader and interfaces.Downloader on top of
// a content-addressed storage backend. It only ever sees ciphertext.
type Service struct {
	backend  interfaces.StorageBackend
	partSize int
	log      *slog.Logger
}

// NewService splits uploads into parts of at most partSize bytes.
func NewService(backend interfaces.StorageBackend, partSize int, log *slog.Logger) *Service {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	return &Service{
		backend:  backend,
		partSize: partSize,
		log:      log,
	}
}

// Upload stores req.Bytes part by part, reporting progress after each part.
// Cancelling ctx may close the stream without a final event.
func (s *Service) Upload(ctx context.Context, req interfaces.UploadRequest) <-chan interfaces.UploadEvent {
	events := make(chan interfaces.UploadEvent, 1)

	go func() {
		defer close(events)
		send := func(ev interfaces.UploadEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			s.log.Error("Upload failed", slog.Uint64("file_id", req.FileID), "err", err)
			send(interfaces.UploadEvent{Kind: interfaces.TransferFailed, Err: err})
		}

		if req.Checksum != "" && cryptoutils.Checksum(req.Bytes) != req.Checksum {
			fail(ErrChecksumMismatch)
			return
		}

		manifest := Manifest{
			FileID:   req.FileID,
			Size:     int64(len(req.Bytes)),
			Checksum: cryptoutils.Checksum(req.Bytes),
		}

		for offset := 0; offset < len(req.Bytes); offset += s.partSize {
			if ctx.Err() != nil {
				return
			}
			end := min(offset+s.partSize, len(req.Bytes))
			id, err := s.backend.Store(ctx, req.Bytes[offset:end], interfaces.FilePartType)
			if err != nil {
				fail(fmt.Errorf("failed to store part %d: %w", len(manifest.Parts), err))
				return
			}
			manifest.Parts = append(manifest.Parts, id.String())

			if !send(interfaces.UploadEvent{Kind: interfaces.TransferProgress, Offset: int64(end)}) {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		raw, err := json.Marshal(manifest)
		if err != nil {
			fail(fmt.Errorf("failed to encode manifest: %w", err))
			return
		}
		location, err := s.backend.Store(ctx, raw, interfaces.ManifestType)
		if err != nil {
			fail(fmt.Errorf("failed to store manifest: %w", err))
			return
		}

		s.log.Debug("Upload finished",
			slog.Uint64("file_id", req.FileID),
			slog.Int("parts", len(manifest.Parts)),
			slog.String("location", location.String()))

		send(interfaces.UploadEvent{
			Kind:       interfaces.TransferDone,
			Offset:     manifest.Size,
			PartsCount: len(manifest.Parts),
			Location:   location.String(),
		})
	}()

	return events
}

// Download fetches the manifest at key.Location and reassembles the parts.
func (s *Service) Download(ctx context.Context, key interfaces.FileKey) <-chan interfaces.DownloadEvent {
	events := make(chan interfaces.DownloadEvent, 1)

	go func() {
		defer close(events)
		send := func(ev interfaces.DownloadEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			s.log.Error("Download failed", slog.String("file", key.String()), "err", err)
			send(interfaces.DownloadEvent{Kind: interfaces.TransferFailed, Err: err})
		}

		manifest, err := s.fetchManifest(ctx, key)
		if err != nil {
			fail(err)
			return
		}

		content := make([]byte, 0, manifest.Size)
		for i, part := range manifest.Parts {
			if ctx.Err() != nil {
				return
			}
			id, err := interfaces.ParseContentID(part)
			if err != nil {
				fail(fmt.Errorf("invalid part %d in manifest: %w", i, err))
				return
			}
			data, err := s.backend.Fetch(ctx, id, interfaces.FilePartType)
			if err != nil {
				fail(fmt.Errorf("failed to fetch part %d: %w", i, err))
				return
			}
			content = append(content, data...)

			if !send(interfaces.DownloadEvent{Kind: interfaces.TransferProgress, Offset: int64(len(content))}) {
				return
			}
		}

		if int64(len(content)) != manifest.Size || cryptoutils.Checksum(content) != manifest.Checksum {
			fail(ErrChecksumMismatch)
			return
		}

		send(interfaces.DownloadEvent{
			Kind:   interfaces.TransferDone,
			Offset: manifest.Size,
			Bytes:  content,
		})
	}()

	return events
}

func (s *Service) fetchManifest(ctx context.Context, key interfaces.FileKey) (*Manifest, error) {
	id, err := interfaces.ParseContentID(key.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid file location: %w", err)
	}

	raw, err := s.backend.Fetch(ctx, id, interfaces.ManifestType)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if manifest.FileID != key.ID {
		return nil, ErrManifestMismatch
	}
	return &manifest, nil
}
