package passport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/ruteri/secure-values/kms"
)

// DefaultCallTimeout is how long a phone verification waits before a voice
// call may be requested, when the remote service does not say.
const DefaultCallTimeout = 60 * time.Second

// Config carries the collaborators of a Controller.
type Config struct {
	Remote     interfaces.RemoteService
	Uploader   interfaces.Uploader
	Downloader interfaces.Downloader
	// Previews is optional.
	Previews interfaces.PreviewCache

	Queue    dispatch.Queue
	Executor dispatch.Executor
	Log      *slog.Logger
}

// Controller drives one authorization request from form retrieval to
// submission. Every method must be called on the coordinating context, the
// goroutine draining Config.Queue; results of background work are posted
// back to it.
type Controller struct {
	remote     interfaces.RemoteService
	uploader   interfaces.Uploader
	downloader interfaces.Downloader
	previews   interfaces.PreviewCache
	queue      dispatch.Queue
	exec       dispatch.Executor
	secrets    *kms.SecretManager
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	request  interfaces.FormRequest
	form     *Form
	password *interfaces.PasswordInfo

	formRequested     bool
	passwordChecking  bool
	passwordBytes     []byte
	secureSalt        []byte
	secretReadyQueued bool

	loaders map[interfaces.FileKey]*loader

	submitting bool
	submitted  bool

	subscribers []func(Event)

	afterFunc func(d time.Duration, f func()) (stop func() bool)
}

// NewController creates a controller for request. Nothing is fetched until
// Start is called, and every method must then run on cfg.Queue.
func NewController(ctx context.Context, cfg Config, request interfaces.FormRequest) *Controller {
	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		remote:     cfg.Remote,
		uploader:   cfg.Uploader,
		downloader: cfg.Downloader,
		previews:   cfg.Previews,
		queue:      cfg.Queue,
		exec:       cfg.Executor,
		log:        cfg.Log.With(slog.Int64("bot_id", request.BotID)),
		ctx:        ctx,
		cancel:     cancel,
		request:    request,
		loaders:    make(map[interfaces.FileKey]*loader),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	c.secrets = kms.NewSecretManager(cfg.Remote, cfg.Queue, cfg.Executor, c.log)
	c.secrets.OnInstall(func(secret kms.MasterSecret) {
		if c.form != nil {
			c.decryptValues(secret.Bytes)
		}
	})
	return c
}

// Form returns the parsed form, or nil before EventFormReady.
func (c *Controller) Form() *Form {
	return c.form
}

// Value returns the value of type t.
func (c *Controller) Value(t interfaces.ValueType) (*Value, bool) {
	if c.form == nil {
		return nil, false
	}
	v, ok := c.form.Values[t]
	return v, ok
}

// PasswordInfo returns the account password settings, or nil before the form is loaded.
func (c *Controller) PasswordInfo() *interfaces.PasswordInfo {
	return c.password
}

// SecretReady reports whether the master secret is resolved.
func (c *Controller) SecretReady() bool {
	return c.secrets.Ready()
}

// Secret exposes the resolved master secret, e.g. to produce recovery
// shares.
func (c *Controller) Secret() (kms.MasterSecret, bool) {
	return c.secrets.Secret()
}

func (c *Controller) value(t interfaces.ValueType) (*Value, error) {
	v, ok := c.Value(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoValue, t)
	}
	return v, nil
}

// Start requests the authorization form and then the password info.
// EventFormReady or EventFormFailed follows.
func (c *Controller) Start() error {
	if c.request.Payload == "" {
		return errors.New("authorization request carries no payload")
	}
	if c.request.PublicKey == "" {
		return errors.New("authorization request carries no public key")
	}
	if c.formRequested {
		return nil
	}
	c.formRequested = true

	dispatch.Call(c.queue, c.exec, c.newToken(), func(ctx context.Context) (*interfaces.AuthorizationForm, error) {
		return c.remote.GetAuthorizationForm(ctx, c.request)
	}, func(o dispatch.Outcome[*interfaces.AuthorizationForm]) {
		if o.Err != nil {
			c.formRequested = false
			c.log.Error("Failed to get authorization form", "err", o.Err)
			c.emit(Event{Kind: EventFormFailed, Message: errorMessage(o.Err), Err: o.Err})
			return
		}
		c.form = c.parseForm(o.Value)
		c.requestPassword()
	})
	return nil
}

func (c *Controller) requestPassword() {
	dispatch.Call(c.queue, c.exec, c.newToken(), func(ctx context.Context) (*interfaces.PasswordInfo, error) {
		return c.remote.GetPassword(ctx)
	}, func(o dispatch.Outcome[*interfaces.PasswordInfo]) {
		if o.Err != nil {
			c.formRequested = false
			c.log.Error("Failed to get password info", "err", o.Err)
			c.emit(Event{Kind: EventFormFailed, Message: errorMessage(o.Err), Err: o.Err})
			return
		}
		c.password = o.Value
		c.log.Info("Authorization form ready",
			slog.Int("values", len(c.form.Values)),
			slog.Bool("has_password", c.password.HasPassword))
		c.emit(Event{Kind: EventFormReady})
	})
}

// SubmitPassword checks the password remotely and resolves the master
// secret with it. A second call while a check is running is ignored.
func (c *Controller) SubmitPassword(password string) error {
	if c.password == nil || !c.password.HasPassword {
		return interfaces.ErrNoPassword
	}
	if password == "" {
		c.emit(Event{Kind: EventPasswordError, Message: MessageEmptyPassword, Err: interfaces.ErrEmptyPassword})
		return interfaces.ErrEmptyPassword
	}
	if c.passwordChecking || c.secrets.Ready() {
		return nil
	}
	c.passwordChecking = true

	pw := []byte(password)
	authHash := cryptoutils.DeriveAuthHash(pw, c.password.CurrentSalt)
	dispatch.Call(c.queue, c.exec, c.newToken(), func(ctx context.Context) (*interfaces.PasswordSettings, error) {
		return c.remote.GetPasswordSettings(ctx, authHash)
	}, func(o dispatch.Outcome[*interfaces.PasswordSettings]) {
		c.passwordChecking = false
		if o.Err != nil {
			c.log.Warn("Password check failed", "err", o.Err)
			c.emit(Event{Kind: EventPasswordError, Message: errorMessage(o.Err), Err: o.Err})
			return
		}
		c.passwordBytes = pw
		c.resolveSecret(o.Value)
	})
	return nil
}

func (c *Controller) resolveSecret(settings *interfaces.PasswordSettings) {
	switch c.secrets.Resolve(settings.SecureSalt, settings.SecureSecret, c.passwordBytes, settings.SecureKDF) {
	case kms.ResolveDecrypted:
		c.secureSalt = settings.SecureSalt
		secret, _ := c.secrets.Secret()
		if settings.SecureSecretID != 0 && settings.SecureSecretID != secret.ID {
			c.log.Warn("Master secret id does not match the registered one",
				slog.Uint64("registered", settings.SecureSecretID),
				slog.Uint64("actual", secret.ID))
		}
		c.queueSecretReady()
		return
	case kms.ResolveUnsupported:
		clear(c.passwordBytes)
		c.passwordBytes = nil
		err := fmt.Errorf("%w: %q", interfaces.ErrUnsupportedKDF, settings.SecureKDF)
		c.emit(Event{Kind: EventPasswordError, Message: errorMessage(err), Err: err})
		return
	case kms.ResolveInvalid:
		c.log.Error("Master secret failed its integrity check, resetting encrypted values",
			"err", interfaces.ErrSecretIntegrity)
		c.resetEncryptedValues()
	case kms.ResolveMissing:
		c.log.Info("No master secret registered, generating one")
	}

	c.generateSecret()
}

func (c *Controller) generateSecret() {
	c.queueSecretReady()
	req := kms.GenerateRequest{
		Password:      c.passwordBytes,
		CurrentSalt:   c.password.CurrentSalt,
		NewSecureSalt: c.password.NewSecureSalt,
		KDF:           c.password.SecureKDF,
	}
	c.secrets.Generate(c.ctx, req, func(newSalt []byte) {
		c.secureSalt = newSalt
	}, func(err error) {
		c.emit(Event{Kind: EventPasswordError, Message: errorMessage(err), Err: err})
	})
}

// queueSecretReady announces the secret once, after every operation that
// was already waiting on it.
func (c *Controller) queueSecretReady() {
	if c.secretReadyQueued {
		return
	}
	c.secretReadyQueued = true
	c.secrets.WithSecret(func(kms.MasterSecret) {
		clear(c.passwordBytes)
		c.passwordBytes = nil
		c.emit(Event{Kind: EventSecretReady})
	})
}

// Cancel aborts the whole flow: every outstanding request and transfer is
// cancelled and its result dropped, and the master secret is forgotten.
func (c *Controller) Cancel() {
	c.cancel()
	if c.form != nil {
		for _, v := range c.form.Values {
			c.stopVerification(v)
		}
	}
	c.secrets.Forget()
	c.log.Info("Authorization flow cancelled")
}

func (c *Controller) newToken() *dispatch.Token {
	return dispatch.NewToken(c.ctx)
}
