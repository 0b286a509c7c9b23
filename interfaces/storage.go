package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ContentID addresses stored parts and manifests by the SHA-256 of their
// bytes. The hex form of a manifest id is the Location of an uploaded file.
type ContentID [sha256.Size]byte

// ParseContentID reads the hex form produced by String. A leading 0x is
// tolerated.
func ParseContentID(location string) (ContentID, error) {
	var id ContentID
	raw, err := hex.DecodeString(strings.TrimPrefix(location, "0x"))
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrInvalidContentID, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidContentID, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// ComputeID returns the content id of data.
func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the log form of the id.
func (id ContentID) Short() string {
	return hex.EncodeToString(id[:6])
}

// ContentType separates parts from manifests on every backend.
type ContentType int

const (
	FilePartType ContentType = iota
	ManifestType
)

func (ct ContentType) String() string {
	switch ct {
	case FilePartType:
		return "part"
	case ManifestType:
		return "manifest"
	default:
		return "unknown"
	}
}

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI covers unknown schemes and malformed
	// [scheme]://[auth@]host[:port][/path][?params] URIs.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrInvalidContentID is returned for file locations that are not the hex
	// form of a content id.
	ErrInvalidContentID = errors.New("invalid content id")

	// ErrContentCorrupted is returned when fetched bytes do not hash to the
	// requested content ID.
	ErrContentCorrupted = errors.New("stored content does not match its id")
)

// StorageBackend holds encrypted parts and manifests. Fetch must return
// ErrContentNotFound for a miss and ErrContentCorrupted when the bytes read
// do not hash to id. Store is idempotent and returns ComputeID(data).
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool

	// Name identifies the backend in logs; LocationURI is its redacted
	// configuration.
	Name() string
	LocationURI() string
}

// StorageBackendFactory builds backends from file://, bolt://, s3://, ipfs://
// and vault:// location URIs.
type StorageBackendFactory interface {
	StorageBackendFor(locationURI string) (StorageBackend, error)
	CreateMultiBackend(locationURIs []string) (StorageBackend, error)
}
