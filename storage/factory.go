package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/secure-values/interfaces"
)

// StorageBackendFactory builds backends from location URIs (see the package
// documentation for the accepted forms).
type StorageBackendFactory struct {
	log *slog.Logger
	// VaultClientCert is presented to vault:// backends when set.
	VaultClientCert *tls.Certificate
}

// NewStorageBackendFactory creates a factory whose backends log to logger.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor parses locationURI and builds the backend its scheme names.
func (sf *StorageBackendFactory) StorageBackendFor(locationURI string) (interfaces.StorageBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(u.Scheme)
	sf.log.Debug("Creating storage backend", slog.String("scheme", scheme), slog.String("uri", u.Redacted()))

	switch scheme {
	case "file":
		return sf.fileBackend(u)
	case "bolt":
		path := localPath(u)
		if path == "" {
			return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, u.Redacted())
		}
		return NewBoltBackend(path, sf.log)
	case "s3":
		return sf.s3Backend(u)
	case "ipfs":
		return sf.ipfsBackend(u)
	case "vault":
		return sf.vaultBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend skips URIs that fail to build and errors only when none
// is left. A single backend is returned unwrapped.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []string) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Skipping storage location", slog.String("uri", redact(uri)), "err", err)
			continue
		}
		backends = append(backends, backend)
	}

	switch len(backends) {
	case 0:
		return nil, fmt.Errorf("%w: no usable storage location among %d", interfaces.ErrInvalidLocationURI, len(locationURIs))
	case 1:
		return backends[0], nil
	default:
		return NewMultiStorageBackend(backends, sf.log), nil
	}
}

// file:///absolute/path or file://./relative/path
func (sf *StorageBackendFactory) fileBackend(u *url.URL) (interfaces.StorageBackend, error) {
	path := localPath(u)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, u.Redacted())
	}
	return NewFileBackend(path, sf.log)
}

// s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=...&sse=AES256
func (sf *StorageBackendFactory) s3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket name", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	opts := S3Options{
		Bucket:               u.Host,
		Prefix:               u.Path,
		Region:               query.Get("region"),
		Endpoint:             query.Get("endpoint"),
		ServerSideEncryption: query.Get("sse"),
	}
	if u.User != nil {
		opts.AccessKey = u.User.Username()
		opts.SecretKey, _ = u.User.Password()
	}
	return NewS3Backend(opts, sf.log)
}

// ipfs://host:port/root?timeout=30s
func (sf *StorageBackendFactory) ipfsBackend(u *url.URL) (interfaces.StorageBackend, error) {
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := u.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}
	return NewIPFSBackend(u.Hostname(), port, u.Path, timeout, sf.log)
}

// vault://host:port/mount/path?token=...&tls=false
func (sf *StorageBackendFactory) vaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	mount, dataPath, ok := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if !ok || mount == "" || dataPath == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}
	return NewVaultBackend(VaultOptions{
		Address:    scheme + "://" + u.Host,
		MountPath:  mount,
		DataPath:   dataPath,
		Token:      u.Query().Get("token"),
		ClientCert: sf.VaultClientCert,
	}, sf.log)
}

func localPath(u *url.URL) string {
	if u.Host == "" {
		return u.Path
	}
	return u.Host + "/" + strings.TrimPrefix(u.Path, "/")
}

func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}
