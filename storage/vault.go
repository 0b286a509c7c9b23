package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/ruteri/secure-values/interfaces"
)

// VaultOptions configures a VaultBackend.
type VaultOptions struct {
	// Address of the Vault server, e.g. https://vault.example.com:8200
	Address string
	// MountPath of the KV v2 engine, e.g. "secret"
	MountPath string
	// DataPath within the mount, e.g. "secure-values"
	DataPath string
	// Token defaults to VAULT_TOKEN.
	Token string
	// ClientCert is presented over mutual TLS when set.
	ClientCert *tls.Certificate
}

// VaultBackend stores content as KV v2 secrets at objectKey below the data
// path, base64 encoded under the "content" key.
type VaultBackend struct {
	client *vault.Client
	kv     *vault.KVv2
	opts   VaultOptions
	log    *slog.Logger
}

// NewVaultBackend creates a backend on the KV v2 mount in opts.
func NewVaultBackend(opts VaultOptions, log *slog.Logger) (*VaultBackend, error) {
	opts.MountPath = strings.Trim(opts.MountPath, "/")
	opts.DataPath = strings.Trim(opts.DataPath, "/")
	if opts.MountPath == "" {
		return nil, fmt.Errorf("%w: vault backend requires a mount path", interfaces.ErrInvalidLocationURI)
	}

	config := vault.DefaultConfig()
	config.Address = opts.Address
	if opts.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*opts.ClientCert}},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	return &VaultBackend{client: client, kv: client.KVv2(opts.MountPath), opts: opts, log: log}, nil
}

func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	secret, err := b.kv.Get(ctx, objectKey(b.opts.DataPath, id, contentType))
	if errors.Is(err, vault.ErrSecretNotFound) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to read from Vault", contentAttrs(id, contentType), "err", err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	encoded, ok := secret.Data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: vault secret has no content", interfaces.ErrContentCorrupted)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid content encoding: %w", interfaces.ErrContentCorrupted, err)
	}
	return verify(b.Name(), id, data)
}

// Store writes with check-and-set 0, so an existing version of the same id
// is left alone.
func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	secretPath := objectKey(b.opts.DataPath, id, contentType)

	_, err := b.kv.Put(ctx, secretPath, map[string]interface{}{
		"content": base64.StdEncoding.EncodeToString(data),
	}, vault.WithCheckAndSet(0))
	if err != nil {
		if existing, getErr := b.kv.Get(ctx, secretPath); getErr == nil && existing != nil {
			return id, nil
		}
		b.log.Error("Failed to write to Vault", contentAttrs(id, contentType), "err", err)
		return id, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in Vault", contentAttrs(id, contentType))
	return id, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(ctx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.opts.MountPath, b.opts.DataPath)
}

func (b *VaultBackend) LocationURI() string {
	host := strings.TrimPrefix(strings.TrimPrefix(b.opts.Address, "https://"), "http://")
	return fmt.Sprintf("vault://%s/%s/%s", host, b.opts.MountPath, b.opts.DataPath)
}
