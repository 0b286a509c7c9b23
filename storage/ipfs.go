package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/secure-values/interfaces"
)

// IPFSBackend stores content in the mutable file system of an IPFS node,
// at objectKey below root. The node pins what its MFS references, and
// lookups go by content id rather than by CID so every backend shares one
// addressing scheme.
type IPFSBackend struct {
	shell   *shell.Shell
	apiAddr string
	root    string
	timeout time.Duration
	log     *slog.Logger
}

// NewIPFSBackend talks to the IPFS HTTP API at host:port and keeps content in
// MFS below root.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: ipfs backend requires a host", interfaces.ErrInvalidLocationURI)
	}
	apiAddr := host + ":" + port

	root = "/" + strings.Trim(root, "/")
	if root == "/" {
		root = "/secure-values"
	}

	sh := shell.NewShell(apiAddr)
	sh.SetTimeout(timeout)
	return &IPFSBackend{shell: sh, apiAddr: apiAddr, root: root, timeout: timeout, log: log}, nil
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, objectKey(b.root, id, contentType))
	if err != nil {
		if isIPFSNotFound(err) {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to read from IPFS", contentAttrs(id, contentType), "err", err)
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}
	return verify(b.Name(), id, data)
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	target := objectKey(b.root, id, contentType)
	if _, err := b.shell.FilesStat(ctx, target); err == nil {
		return id, nil
	}

	err := b.shell.FilesWrite(ctx, target, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		b.log.Error("Failed to write to IPFS", contentAttrs(id, contentType), "err", err)
		return id, fmt.Errorf("failed to write to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS", contentAttrs(id, contentType), slog.String("node", b.apiAddr))
	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return "ipfs-" + b.apiAddr
}

func (b *IPFSBackend) LocationURI() string {
	return fmt.Sprintf("ipfs://%s%s?timeout=%s", b.apiAddr, b.root, b.timeout)
}

func isIPFSNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "file not found")
}
