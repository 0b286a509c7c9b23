package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
)

// secureSaltSuffix is the number of random bytes appended to the server
// provided salt prefix when a new master secret is wrapped.
const secureSaltSuffix = 8

// MasterSecret is the resolved master secret and its public identifier.
type MasterSecret struct {
	Bytes []byte
	ID    uint64
}

// ResolveStatus is the result of Resolve.
type ResolveStatus int

const (
	// ResolveMissing means the server holds no wrapped secret.
	ResolveMissing ResolveStatus = iota
	// ResolveDecrypted means the secret was unwrapped and installed.
	ResolveDecrypted
	// ResolveInvalid means the wrapped secret failed its integrity check and
	// any previously held secret was forgotten.
	ResolveInvalid
	// ResolveUnsupported means the wrapping uses a kdf this client cannot
	// derive. State is left untouched.
	ResolveUnsupported
)

// SecretRegistrar registers a newly generated wrapped secret with the
// remote service.
type SecretRegistrar interface {
	UpdatePasswordSettings(ctx context.Context, authHash []byte, settings interfaces.SecureSecretSettings) error
}

// GenerateRequest carries what is needed to wrap and register a new secret.
type GenerateRequest struct {
	Password      []byte
	CurrentSalt   []byte
	NewSecureSalt []byte
	KDF           interfaces.KDFAlgo
}

// SecretManager owns the master secret. The secret lives only in memory and
// operations needing it wait in an ordered pending list until it resolves.
// All methods must be called on the coordinating context.
type SecretManager struct {
	registrar SecretRegistrar
	queue     dispatch.Queue
	exec      dispatch.Executor
	log       *slog.Logger

	secret     *MasterSecret
	pending    []func(MasterSecret)
	generating bool
	onInstall  func(MasterSecret)
}

// NewSecretManager creates a manager with no secret. Registration requests run
// on exec and complete on queue.
func NewSecretManager(registrar SecretRegistrar, queue dispatch.Queue, exec dispatch.Executor, log *slog.Logger) *SecretManager {
	return &SecretManager{
		registrar: registrar,
		queue:     queue,
		exec:      exec,
		log:       log,
	}
}

// Secret returns the master secret if it is resolved.
func (m *SecretManager) Secret() (MasterSecret, bool) {
	if m.secret == nil {
		return MasterSecret{}, false
	}
	return *m.secret, true
}

// Ready reports whether a secret is installed.
func (m *SecretManager) Ready() bool {
	return m.secret != nil
}

// Generating reports whether a secret registration is in flight.
func (m *SecretManager) Generating() bool {
	return m.generating
}

// OnInstall sets a hook that runs whenever a secret is installed, before
// any pending callback.
func (m *SecretManager) OnInstall(fn func(MasterSecret)) {
	m.onInstall = fn
}

// Resolve unwraps the server-held secret with the password.
func (m *SecretManager) Resolve(salt, encrypted, password []byte, kdf interfaces.KDFAlgo) ResolveStatus {
	if len(salt) == 0 || len(encrypted) == 0 {
		return ResolveMissing
	}

	secret, err := cryptoutils.DecryptMasterSecret(salt, encrypted, password, kdf)
	if errors.Is(err, interfaces.ErrUnsupportedKDF) {
		m.log.Error("Master secret uses an unsupported key derivation", slog.String("kdf", string(kdf)))
		return ResolveUnsupported
	}
	if err != nil {
		m.log.Error("Failed to decrypt master secret, forgetting all files and data",
			"err", fmt.Errorf("%w: %w", interfaces.ErrSecretIntegrity, err))
		m.Forget()
		return ResolveInvalid
	}

	m.install(secret)
	return ResolveDecrypted
}

// WithSecret runs fn now if the secret is resolved, otherwise once it is.
// Pending callbacks run in the order they were registered.
func (m *SecretManager) WithSecret(fn func(MasterSecret)) {
	if m.secret != nil {
		fn(*m.secret)
		return
	}
	m.pending = append(m.pending, fn)
}

// Generate creates a fresh secret, wraps it under the password and
// registers it remotely. A second call while one is in flight is ignored.
// onDone receives the new secure salt before pending callbacks are flushed.
func (m *SecretManager) Generate(ctx context.Context, req GenerateRequest, onDone func(newSalt []byte), onFail func(error)) {
	if m.generating {
		return
	}

	secret, err := cryptoutils.GenerateSecret()
	if err != nil {
		onFail(err)
		return
	}

	salt := make([]byte, len(req.NewSecureSalt)+secureSaltSuffix)
	copy(salt, req.NewSecureSalt)
	if _, err := rand.Read(salt[len(req.NewSecureSalt):]); err != nil {
		onFail(fmt.Errorf("failed to generate secure salt: %w", err))
		return
	}

	encrypted, err := cryptoutils.EncryptSecret(salt, secret, req.Password, req.KDF)
	if err != nil {
		onFail(fmt.Errorf("failed to wrap master secret: %w", err))
		return
	}

	settings := interfaces.SecureSecretSettings{
		SecureSalt:     salt,
		SecureSecret:   encrypted,
		SecureSecretID: cryptoutils.SecretID(secret),
		SecureKDF:      req.KDF,
	}
	authHash := cryptoutils.DeriveAuthHash(req.Password, req.CurrentSalt)

	m.generating = true
	dispatch.Call(m.queue, m.exec, dispatch.NewToken(ctx), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.registrar.UpdatePasswordSettings(ctx, authHash, settings)
	}, func(o dispatch.Outcome[struct{}]) {
		m.generating = false
		if o.Err != nil {
			m.log.Error("Failed to register master secret", "err", o.Err)
			onFail(o.Err)
			return
		}

		m.log.Info("Registered new master secret", slog.Uint64("secret_id", settings.SecureSecretID))
		onDone(salt)
		m.install(secret)
	})
}

// Forget zeroes and drops the secret. Pending callbacks stay queued.
func (m *SecretManager) Forget() {
	if m.secret == nil {
		return
	}
	clear(m.secret.Bytes)
	m.secret = nil
}

func (m *SecretManager) install(secret []byte) {
	m.secret = &MasterSecret{Bytes: secret, ID: cryptoutils.SecretID(secret)}
	if m.onInstall != nil {
		m.onInstall(*m.secret)
	}

	pending := m.pending
	m.pending = nil
	for _, fn := range pending {
		fn(*m.secret)
	}
}
