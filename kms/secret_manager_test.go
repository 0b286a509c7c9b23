package kms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRegistrar struct {
	mock.Mock
}

func (m *MockRegistrar) UpdatePasswordSettings(ctx context.Context, authHash []byte, settings interfaces.SecureSecretSettings) error {
	args := m.Called(ctx, authHash, settings)
	return args.Error(0)
}

func newTestManager(registrar SecretRegistrar) (*SecretManager, *dispatch.Manual) {
	queue := &dispatch.Manual{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSecretManager(registrar, queue, dispatch.Inline{}, logger), queue
}

func wrappedSecret(t *testing.T, password []byte) (secret, salt, wrapped []byte) {
	t.Helper()
	secret, err := cryptoutils.GenerateSecret()
	require.NoError(t, err)
	salt = []byte("secure-salt")
	wrapped, err = cryptoutils.EncryptSecret(salt, secret, password, interfaces.KDFSHA512Legacy)
	require.NoError(t, err)
	return secret, salt, wrapped
}

func TestResolve(t *testing.T) {
	password := []byte("hunter2")
	secret, salt, wrapped := wrappedSecret(t, password)

	t.Run("missing", func(t *testing.T) {
		m, _ := newTestManager(nil)
		assert.Equal(t, ResolveMissing, m.Resolve(nil, nil, password, interfaces.KDFSHA512Legacy))
		assert.False(t, m.Ready())
	})

	t.Run("decrypted", func(t *testing.T) {
		m, _ := newTestManager(nil)
		assert.Equal(t, ResolveDecrypted, m.Resolve(salt, wrapped, password, interfaces.KDFSHA512Legacy))
		got, ok := m.Secret()
		require.True(t, ok)
		assert.Equal(t, secret, got.Bytes)
		assert.Equal(t, cryptoutils.SecretID(secret), got.ID)
	})

	t.Run("unsupported kdf keeps the held secret", func(t *testing.T) {
		m, _ := newTestManager(nil)
		require.Equal(t, ResolveDecrypted, m.Resolve(salt, wrapped, password, interfaces.KDFSHA512Legacy))

		assert.Equal(t, ResolveUnsupported, m.Resolve(salt, wrapped, password, interfaces.KDFAlgo("scrypt")))
		got, ok := m.Secret()
		require.True(t, ok)
		assert.Equal(t, secret, got.Bytes)
	})

	t.Run("wrong password forgets the held secret", func(t *testing.T) {
		m, _ := newTestManager(nil)
		require.Equal(t, ResolveDecrypted, m.Resolve(salt, wrapped, password, interfaces.KDFSHA512Legacy))
		held, _ := m.Secret()

		assert.Equal(t, ResolveInvalid, m.Resolve(salt, wrapped, []byte("wrong"), interfaces.KDFSHA512Legacy))
		assert.False(t, m.Ready())
		assert.Equal(t, make([]byte, cryptoutils.SecretSize), held.Bytes, "forgotten secret must be zeroed")
	})
}

func TestWithSecretFlushesPendingInOrder(t *testing.T) {
	password := []byte("hunter2")
	_, salt, wrapped := wrappedSecret(t, password)
	m, _ := newTestManager(nil)

	var calls []int
	m.WithSecret(func(MasterSecret) { calls = append(calls, 1) })
	m.WithSecret(func(MasterSecret) { calls = append(calls, 2) })
	assert.Empty(t, calls)

	m.Resolve(salt, wrapped, password, interfaces.KDFSHA512Legacy)
	assert.Equal(t, []int{1, 2}, calls)

	m.WithSecret(func(MasterSecret) { calls = append(calls, 3) })
	assert.Equal(t, []int{1, 2, 3}, calls)

	// A second resolution does not replay flushed callbacks.
	m.Resolve(salt, wrapped, password, interfaces.KDFSHA512Legacy)
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestInstallHookRunsBeforePending(t *testing.T) {
	password := []byte("hunter2")
	_, salt, wrapped := wrappedSecret(t, password)
	m, _ := newTestManager(nil)

	var calls []string
	m.OnInstall(func(MasterSecret) { calls = append(calls, "hook") })
	m.WithSecret(func(MasterSecret) { calls = append(calls, "pending") })

	require.Equal(t, ResolveDecrypted, m.Resolve(salt, wrapped, password, interfaces.KDFSHA512Legacy))
	assert.Equal(t, []string{"hook", "pending"}, calls)
}

func TestGenerate(t *testing.T) {
	password := []byte("hunter2")
	currentSalt := []byte("auth-salt")
	secureSalt := []byte("secure-prefix")

	registrar := &MockRegistrar{}
	var registered interfaces.SecureSecretSettings
	registrar.On("UpdatePasswordSettings", mock.Anything, cryptoutils.DeriveAuthHash(password, currentSalt), mock.Anything).
		Run(func(args mock.Arguments) {
			registered = args.Get(2).(interfaces.SecureSecretSettings)
		}).
		Return(nil).Once()

	m, queue := newTestManager(registrar)

	var flushed *MasterSecret
	m.WithSecret(func(s MasterSecret) { flushed = &s })

	var newSalt []byte
	req := GenerateRequest{Password: password, CurrentSalt: currentSalt, NewSecureSalt: secureSalt}
	m.Generate(context.Background(), req, func(salt []byte) { newSalt = salt }, func(err error) { t.Fatalf("unexpected failure: %v", err) })

	// Duplicate requests are ignored while the first is in flight.
	m.Generate(context.Background(), req, func([]byte) { t.Fatal("duplicate generate completed") }, func(error) {})
	assert.True(t, m.Generating())
	assert.False(t, m.Ready())

	queue.Drain()

	require.True(t, m.Ready())
	require.NotNil(t, flushed)
	assert.False(t, m.Generating())
	assert.Len(t, newSalt, len(secureSalt)+secureSaltSuffix)
	assert.Equal(t, secureSalt, newSalt[:len(secureSalt)])
	assert.Equal(t, newSalt, registered.SecureSalt)
	assert.Equal(t, flushed.ID, registered.SecureSecretID)

	// The registered wrapping unwraps to the installed secret.
	unwrapped, err := cryptoutils.DecryptMasterSecret(registered.SecureSalt, registered.SecureSecret, password, registered.SecureKDF)
	require.NoError(t, err)
	assert.Equal(t, flushed.Bytes, unwrapped)
	registrar.AssertExpectations(t)
}

func TestGenerateFailureAllowsRetry(t *testing.T) {
	registrar := &MockRegistrar{}
	registrar.On("UpdatePasswordSettings", mock.Anything, mock.Anything, mock.Anything).
		Return(&interfaces.RPCError{Code: 400, Type: "SECURE_SECRET_INVALID"}).Once()
	registrar.On("UpdatePasswordSettings", mock.Anything, mock.Anything, mock.Anything).
		Return(nil).Once()

	m, queue := newTestManager(registrar)
	req := GenerateRequest{Password: []byte("pw"), NewSecureSalt: []byte("s")}

	var failure error
	m.Generate(context.Background(), req, func([]byte) {}, func(err error) { failure = err })
	queue.Drain()
	require.Error(t, failure)
	assert.Equal(t, "SECURE_SECRET_INVALID", interfaces.RPCErrorType(failure))
	assert.False(t, m.Ready())

	done := false
	m.Generate(context.Background(), req, func([]byte) { done = true }, func(err error) { t.Fatal(err) })
	queue.Drain()
	assert.True(t, done)
	assert.True(t, m.Ready())
	registrar.AssertExpectations(t)
}

func TestRecoveryShares(t *testing.T) {
	bytes, err := cryptoutils.GenerateSecret()
	require.NoError(t, err)
	secret := MasterSecret{Bytes: bytes, ID: cryptoutils.SecretID(bytes)}

	shares, err := SplitRecoveryShares(secret, 5, 3)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	recovered, err := CombineRecoveryShares([][]byte{shares[4], shares[0], shares[2]})
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)

	short, err := CombineRecoveryShares(shares[:2])
	if err == nil {
		assert.NotEqual(t, secret.ID, short.ID)
	}

	_, err = SplitRecoveryShares(secret, 2, 3)
	assert.Error(t, err)
	_, err = SplitRecoveryShares(MasterSecret{Bytes: []byte("nope")}, 5, 3)
	assert.Error(t, err)
	_, err = CombineRecoveryShares(shares[:1])
	assert.True(t, err != nil && !errors.Is(err, interfaces.ErrSecretIntegrity))
}
