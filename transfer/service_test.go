package transfer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/ruteri/secure-values/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, partSize int) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	return NewService(backend, partSize, logger)
}

func collectUpload(ch <-chan interfaces.UploadEvent) []interfaces.UploadEvent {
	var events []interfaces.UploadEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func collectDownload(ch <-chan interfaces.DownloadEvent) []interfaces.DownloadEvent {
	var events []interfaces.DownloadEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 10)
	content := bytes.Repeat([]byte("ciphertext"), 5)
	content = append(content, 'x')

	events := collectUpload(svc.Upload(ctx, interfaces.UploadRequest{
		FileID:   7,
		Bytes:    content,
		Checksum: cryptoutils.Checksum(content),
	}))
	require.NotEmpty(t, events)

	done := events[len(events)-1]
	require.Equal(t, interfaces.TransferDone, done.Kind, "last event: %+v", done)
	assert.Equal(t, 6, done.PartsCount)
	assert.Equal(t, int64(len(content)), done.Offset)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, interfaces.TransferProgress, ev.Kind)
	}
	assert.Equal(t, int64(10), events[0].Offset)

	downloads := collectDownload(svc.Download(ctx, interfaces.FileKey{Location: done.Location, ID: 7}))
	require.NotEmpty(t, downloads)
	last := downloads[len(downloads)-1]
	require.Equal(t, interfaces.TransferDone, last.Kind, "last event: %+v", last)
	assert.Equal(t, content, last.Bytes)
}

func TestUploadRejectsBadChecksum(t *testing.T) {
	svc := newTestService(t, 0)
	events := collectUpload(svc.Upload(context.Background(), interfaces.UploadRequest{
		FileID:   1,
		Bytes:    []byte("data"),
		Checksum: "00",
	}))
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.TransferFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrChecksumMismatch)
}

func TestDownloadFailures(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 0)

	events := collectUpload(svc.Upload(ctx, interfaces.UploadRequest{FileID: 1, Bytes: []byte("data")}))
	done := events[len(events)-1]
	require.Equal(t, interfaces.TransferDone, done.Kind)

	tests := []struct {
		name string
		key  interfaces.FileKey
	}{
		{name: "wrong file id", key: interfaces.FileKey{Location: done.Location, ID: 2}},
		{name: "malformed location", key: interfaces.FileKey{Location: "nope", ID: 1}},
		{name: "unknown manifest", key: interfaces.FileKey{Location: interfaces.ComputeID([]byte("x")).String(), ID: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			downloads := collectDownload(svc.Download(ctx, tt.key))
			require.Len(t, downloads, 1)
			assert.Equal(t, interfaces.TransferFailed, downloads[0].Kind)
			assert.Error(t, downloads[0].Err)
		})
	}
}

func TestUploadStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := newTestService(t, 1)

	ch := svc.Upload(ctx, interfaces.UploadRequest{FileID: 1, Bytes: []byte("0123456789")})
	first := <-ch
	assert.Equal(t, interfaces.TransferProgress, first.Kind)
	cancel()

	// The stream is closed without a done event.
	for ev := range ch {
		assert.NotEqual(t, interfaces.TransferDone, ev.Kind)
	}
}
