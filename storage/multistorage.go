package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/secure-values/interfaces"
)

// MultiStorageBackend spreads content over several backends. Writes go to
// every available backend. Reads are served by the first backend holding
// valid content, and backends that missed it or held corrupted bytes are
// repaired with the good copy.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend combines backends, in order of read preference.
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{backends: backends, log: logger}
}

// Fetch returns ErrContentNotFound when every available backend misses the
// content, and ErrContentCorrupted when the only copies found were bad.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var stale []interfaces.StorageBackend
	var errs []error
	corrupted := false

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		switch {
		case err == nil:
			m.repair(ctx, stale, id, contentType, data)
			return data, nil
		case errors.Is(err, interfaces.ErrContentNotFound):
			stale = append(stale, backend)
		case errors.Is(err, interfaces.ErrContentCorrupted):
			m.log.Warn("Backend holds corrupted content",
				slog.String("backend", backend.Name()), contentAttrs(id, contentType), "err", err)
			corrupted = true
			stale = append(stale, backend)
		default:
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}

	switch {
	case len(errs) > 0:
		m.log.Error("No backend could serve content", contentAttrs(id, contentType), slog.Int("failed", len(errs)))
		return nil, fmt.Errorf("failed to fetch %s: %w", id.Short(), errors.Join(errs...))
	case corrupted:
		return nil, interfaces.ErrContentCorrupted
	case len(stale) > 0:
		return nil, interfaces.ErrContentNotFound
	default:
		return nil, interfaces.ErrBackendUnavailable
	}
}

// repair is best effort; a failed write only costs the next reader a
// fallback.
func (m *MultiStorageBackend) repair(ctx context.Context, stale []interfaces.StorageBackend, id interfaces.ContentID, contentType interfaces.ContentType, data []byte) {
	for _, backend := range stale {
		if _, err := backend.Store(ctx, data, contentType); err != nil {
			m.log.Warn("Failed to repair backend",
				slog.String("backend", backend.Name()), contentAttrs(id, contentType), "err", err)
			continue
		}
		m.log.Info("Repaired backend", slog.String("backend", backend.Name()), contentAttrs(id, contentType))
	}
}

// Store succeeds when at least one available backend stored the content.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		if _, err := backend.Store(ctx, data, contentType); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		stored++
	}

	if stored == 0 {
		if len(errs) == 0 {
			return id, interfaces.ErrBackendUnavailable
		}
		m.log.Error("No backend stored content", contentAttrs(id, contentType), slog.Int("failed", len(errs)))
		return id, fmt.Errorf("failed to store %s: %w", id.Short(), errors.Join(errs...))
	}
	if len(errs) > 0 {
		m.log.Warn("Content stored on some backends only",
			contentAttrs(id, contentType), slog.Int("stored", stored), "err", errors.Join(errs...))
	}
	return id, nil
}

// Available reports whether any backend is available.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
