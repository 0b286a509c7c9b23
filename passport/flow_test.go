package passport_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secure-values/api/clients"
	"github.com/ruteri/secure-values/api/devremote"
	"github.com/ruteri/secure-values/api/handlers"
	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/ruteri/secure-values/kms"
	"github.com/ruteri/secure-values/passport"
	"github.com/ruteri/secure-values/storage"
	"github.com/ruteri/secure-values/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	flowPassword = "open sesame"
	flowPhone    = "+15550100"
	flowCode     = "11111"
)

type flowEnv struct {
	t         *testing.T
	log       *slog.Logger
	service   *devremote.Service
	serverURL string
	files     *transfer.Service
	publicKey []byte
}

func newFlowEnv(t *testing.T) (*flowEnv, []byte) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	privDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	publicKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privateKey := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})

	service, err := devremote.NewService(devremote.Options{
		Password:      flowPassword,
		KDF:           interfaces.KDFPBKDF2SHA512,
		RequiredTypes: []interfaces.ValueType{interfaces.Passport, interfaces.Phone},
		BotKeys:       map[int64][]byte{42: privateKey},
		NewCode:       func(int) string { return flowCode },
	}, log)
	require.NoError(t, err)

	r := chi.NewRouter()
	handlers.NewHandler(service, log).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	backend, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)

	return &flowEnv{
		t:         t,
		log:       log,
		service:   service,
		serverURL: server.URL,
		// Small parts so that every file spans several of them.
		files:     transfer.NewService(backend, 16, log),
		publicKey: publicKey,
	}, privateKey
}

// flowSession is one controller running on its own loop.
type flowSession struct {
	t      *testing.T
	ctx    context.Context
	loop   *dispatch.Loop
	c      *passport.Controller
	events chan passport.Event
}

func (env *flowEnv) session(previews interfaces.PreviewCache) *flowSession {
	t := env.t
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	s := &flowSession{
		t:      t,
		ctx:    ctx,
		loop:   dispatch.NewLoop(env.log),
		events: make(chan passport.Event, 1024),
	}
	s.c = passport.NewController(ctx, passport.Config{
		Remote:     clients.NewRemoteClient(env.serverURL),
		Uploader:   env.files,
		Downloader: env.files,
		Previews:   previews,
		Queue:      s.loop,
		Executor:   dispatch.Goroutines{},
		Log:        env.log,
	}, interfaces.FormRequest{
		BotID:       42,
		PublicKey:   string(env.publicKey),
		Payload:     "nonce-42",
		CallbackURL: "https://bot.example/done",
	})
	s.c.Subscribe(func(ev passport.Event) { s.events <- ev })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func (s *flowSession) do(fn func() error) {
	s.t.Helper()
	var err error
	require.NoError(s.t, s.loop.Do(s.ctx, func() { err = fn() }))
	require.NoError(s.t, err)
}

// await returns the first event matching kind and t, failing the test on
// any value or form error on the way.
func (s *flowSession) await(kind passport.EventKind, t interfaces.ValueType) passport.Event {
	s.t.Helper()
	for {
		select {
		case <-s.ctx.Done():
			s.t.Fatalf("timed out waiting for %s", kind)
		case ev := <-s.events:
			switch ev.Kind {
			case passport.EventValueError, passport.EventFormFailed, passport.EventPasswordError, passport.EventSubmitFailed:
				s.t.Fatalf("unexpected %s for %s: %s %v", ev.Kind, ev.Type, ev.Message, ev.Err)
			}
			if ev.Kind == kind && (t == interfaces.ValueTypeUnknown || ev.Type == t) {
				return ev
			}
		}
	}
}

func (s *flowSession) unlock() {
	s.t.Helper()
	s.do(s.c.Start)
	s.await(passport.EventFormReady, interfaces.ValueTypeUnknown)
	s.do(func() error { return s.c.SubmitPassword(flowPassword) })
	s.await(passport.EventSecretReady, interfaces.ValueTypeUnknown)
}

func (s *flowSession) value(t interfaces.ValueType) (v passport.Value) {
	s.t.Helper()
	s.do(func() error {
		got, ok := s.c.Value(t)
		if !ok {
			return interfaces.ErrNoValue
		}
		v = *got
		return nil
	})
	return v
}

func (s *flowSession) secret() (secret kms.MasterSecret) {
	s.t.Helper()
	s.do(func() error {
		var ok bool
		if secret, ok = s.c.Secret(); !ok {
			return interfaces.ErrSecretNotReady
		}
		return nil
	})
	return secret
}

func TestFullFlow(t *testing.T) {
	env, privateKey := newFlowEnv(t)
	scan := bytes.Repeat([]byte("passport scan "), 10)

	s := env.session(nil)
	s.unlock()

	details := map[string]string{
		"first_name":             "Ada",
		"last_name":              "Lovelace",
		"birth_date":             "10.12.1815",
		"gender":                 "female",
		"country_code":           "GB",
		"residence_country_code": "GB",
	}
	s.do(func() error { return s.c.SaveEdit(interfaces.PersonalDetails, details) })
	s.await(passport.EventSaveFinished, interfaces.PersonalDetails)

	var scanID uint64
	s.do(func() error {
		if err := s.c.StartEdit(interfaces.Passport); err != nil {
			return err
		}
		id, err := s.c.UploadScan(interfaces.Passport, scan)
		scanID = id
		return err
	})
	for {
		s.await(passport.EventFileUpdated, interfaces.Passport)
		v := s.value(interfaces.Passport)
		settled, failed := v.UploadsSettled()
		require.False(t, failed)
		if settled {
			break
		}
	}
	s.do(func() error { return s.c.SaveEdit(interfaces.Passport, map[string]string{"document_no": "P-1"}) })
	s.await(passport.EventSaveFinished, interfaces.Passport)

	s.do(func() error { return s.c.SaveEdit(interfaces.Phone, map[string]string{"value": flowPhone}) })
	s.await(passport.EventVerificationNeeded, interfaces.Phone)
	s.do(func() error { return s.c.VerifyCode(interfaces.Phone, flowCode) })
	s.await(passport.EventSaveFinished, interfaces.Phone)

	s.do(func() error {
		if !s.c.Submit() {
			return errors.New("form not ready")
		}
		return nil
	})
	submitted := s.await(passport.EventSubmitted, interfaces.ValueTypeUnknown)
	assert.Equal(t, "https://bot.example/done?passport=success", submitted.CallbackURL)

	// The requesting party opens what it was given.
	accepted := env.service.Accepted()
	require.Len(t, accepted, 1)
	credentials := accepted[0].Credentials
	require.NotNil(t, credentials)
	assert.Equal(t, "nonce-42", credentials.Payload)
	require.Contains(t, credentials.SecureData, "personal_details")
	require.Contains(t, credentials.SecureData, "passport")
	assert.NotContains(t, credentials.SecureData, "phone_number")

	saved := s.value(interfaces.Passport)
	require.Len(t, saved.Files, 1)
	assert.Equal(t, scanID, saved.Files[0].ID)
	fileCreds := credentials.SecureData["passport"].Files
	require.Len(t, fileCreds, 1)

	var ciphertext []byte
	for ev := range env.files.Download(context.Background(), saved.Files[0].Key()) {
		require.NotEqual(t, interfaces.TransferFailed, ev.Kind, "download failed: %v", ev.Err)
		if ev.Kind == interfaces.TransferDone {
			ciphertext = ev.Bytes
		}
	}
	plaintext, err := cryptoutils.DecryptPayload(ciphertext, fileCreds[0].FileHash, fileCreds[0].Secret)
	require.NoError(t, err)
	assert.Equal(t, scan, plaintext)

	detailsCreds := credentials.SecureData["personal_details"].Data
	require.NotNil(t, detailsCreds)
	stored := s.value(interfaces.PersonalDetails)
	decrypted, err := cryptoutils.DecryptPayload(stored.Data.Encrypted, detailsCreds.DataHash, detailsCreds.Secret)
	require.NoError(t, err)
	fields, err := cryptoutils.DeserializeFields(decrypted)
	require.NoError(t, err)
	assert.Equal(t, details, fields)

	_, err = devremote.DecryptCredentials(privateKey, interfaces.SecureCredentials{})
	assert.Error(t, err)
}

func TestReturningUser(t *testing.T) {
	env, _ := newFlowEnv(t)
	scan := []byte("utility bill scan, long enough for several parts")

	first := env.session(nil)
	first.unlock()
	first.do(func() error {
		if err := first.c.StartEdit(interfaces.Passport); err != nil {
			return err
		}
		_, err := first.c.UploadScan(interfaces.Passport, scan)
		return err
	})
	for {
		first.await(passport.EventFileUpdated, interfaces.Passport)
		v := first.value(interfaces.Passport)
		if settled, _ := v.UploadsSettled(); settled {
			break
		}
	}
	first.do(func() error { return first.c.SaveEdit(interfaces.Passport, map[string]string{"document_no": "P-2"}) })
	first.await(passport.EventSaveFinished, interfaces.Passport)
	firstSecret := first.secret()

	// A later session unwraps the same master secret and reads everything back.
	previews, err := storage.NewBoltPreviewCache(filepath.Join(t.TempDir(), "previews.db"), env.log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = previews.Close() })

	second := env.session(previews)
	second.unlock()
	assert.Equal(t, firstSecret.ID, second.secret().ID)

	v := second.value(interfaces.Passport)
	assert.Equal(t, "P-2", v.Fields()["document_no"])
	require.Len(t, v.Files, 1)
	assert.False(t, v.Files[0].Loaded())

	fileID := v.Files[0].ID
	second.do(func() error { return second.c.LoadScan(interfaces.Passport, fileID) })
	for {
		ev := second.await(passport.EventFileUpdated, interfaces.Passport)
		if ev.FileID != fileID {
			continue
		}
		v = second.value(interfaces.Passport)
		require.GreaterOrEqual(t, v.Files[0].DownloadOffset, int64(0))
		if v.Files[0].Loaded() {
			break
		}
	}
	assert.Equal(t, scan, v.Files[0].Image)

	// The decrypted image is cached in the background.
	key := v.Files[0].Key()
	assert.Eventually(t, func() bool {
		cached, err := previews.LoadPreview(context.Background(), key)
		return err == nil && bytes.Equal(scan, cached)
	}, 5*time.Second, 10*time.Millisecond)
}
