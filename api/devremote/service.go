package devremote

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/interfaces"
)

// Error identifiers only this service produces.
const (
	ErrTypeBotInvalid          = "BOT_INVALID"
	ErrTypePublicKeyRequired   = "PUBLIC_KEY_REQUIRED"
	ErrTypeScopeInvalid        = "SCOPE_INVALID"
	ErrTypePasswordMissing     = "PASSWORD_MISSING"
	ErrTypeSecureSaltInvalid   = "SECURE_SALT_INVALID"
	ErrTypeSecretIDInvalid     = "SECURE_SECRET_ID_INVALID"
	ErrTypeFileInvalid         = "FILE_INVALID"
	ErrTypePhoneNumberInvalid  = "PHONE_NUMBER_INVALID"
	ErrTypePhoneCodeHashEmpty  = "PHONE_CODE_HASH_EMPTY"
	ErrTypeEmailInvalid        = "EMAIL_INVALID"
	ErrTypeValueHashInvalid    = "SECURE_VALUE_HASH_INVALID"
	ErrTypeCredentialsInvalid  = "CREDENTIALS_INVALID"
	ErrTypeFloodPasswordChecks = interfaces.ErrTypeFloodPrefix + "60"
)

const (
	defaultCodeLength  = 5
	maxPasswordChecks  = 5
	secureSaltPrefixSz = 8
	saltSize           = 16
)

// Options configure the single account the service holds.
type Options struct {
	// Password protects the account; empty means the account has none.
	Password string
	Hint     string
	KDF      interfaces.KDFAlgo

	// RequiredTypes is used when a form request carries no scope.
	RequiredTypes    []interfaces.ValueType
	SelfieRequired   bool
	PrivacyPolicyURL string

	// BotKeys maps a bot id to the PEM private key its credentials are
	// encrypted to. When set, only listed bots may request forms and accepted
	// credentials are decrypted and recorded.
	BotKeys map[int64][]byte

	CodeLength int
	// CallTimeout enables the voice call fallback after the given delay.
	CallTimeout time.Duration
	// NewCode overrides random verification codes.
	NewCode func(length int) string
}

// Accepted is one forwarded authorization. Credentials is set when the
// bot's private key is known.
type Accepted struct {
	Acceptance  interfaces.Acceptance
	Credentials *interfaces.Credentials
}

type phoneCode struct {
	phone string
	code  string
}

// Service is an in-memory interfaces.RemoteService. It stores whatever the
// client sends and checks it the way the production service does: password
// proofs, secret ids, ownership of phone numbers and emails, and value
// hashes on acceptance.
type Service struct {
	opts Options
	log  *slog.Logger

	mu            sync.Mutex
	currentSalt   []byte
	newSalt       []byte
	newSecureSalt []byte
	authHash      []byte
	failedChecks  int
	settings      interfaces.SecureSecretSettings
	values        map[interfaces.ValueType]interfaces.SecureValue
	verified      map[string]bool
	phoneCodes    map[string]phoneCode
	emailCodes    map[string]string
	lastCodes     map[string]string
	accepted      []Accepted
}

// NewService creates an empty account protected by opts.Password.
func NewService(opts Options, log *slog.Logger) (*Service, error) {
	if opts.CodeLength <= 0 {
		opts.CodeLength = defaultCodeLength
	}
	if opts.NewCode == nil {
		opts.NewCode = randomCode
	}

	s := &Service{
		opts:       opts,
		log:        log,
		values:     make(map[interfaces.ValueType]interfaces.SecureValue),
		verified:   make(map[string]bool),
		phoneCodes: make(map[string]phoneCode),
		emailCodes: make(map[string]string),
		lastCodes:  make(map[string]string),
	}

	var err error
	if s.currentSalt, err = randomBytes(saltSize); err != nil {
		return nil, err
	}
	if s.newSalt, err = randomBytes(saltSize); err != nil {
		return nil, err
	}
	if s.newSecureSalt, err = randomBytes(secureSaltPrefixSz); err != nil {
		return nil, err
	}
	if opts.Password != "" {
		s.authHash = cryptoutils.DeriveAuthHash([]byte(opts.Password), s.currentSalt)
	}
	return s, nil
}

func rpcError(code int, errType string) error {
	return &interfaces.RPCError{Code: code, Type: errType}
}

func (s *Service) GetAuthorizationForm(ctx context.Context, req interfaces.FormRequest) (*interfaces.AuthorizationForm, error) {
	if req.BotID == 0 {
		return nil, rpcError(400, ErrTypeBotInvalid)
	}
	if len(s.opts.BotKeys) > 0 {
		if _, ok := s.opts.BotKeys[req.BotID]; !ok {
			return nil, rpcError(400, ErrTypeBotInvalid)
		}
	}
	if req.PublicKey == "" {
		return nil, rpcError(400, ErrTypePublicKeyRequired)
	}

	required := s.opts.RequiredTypes
	if scope := strings.Fields(req.Scope); len(scope) > 0 {
		required = nil
		for _, name := range scope {
			t, err := interfaces.ParseValueType(name)
			if err != nil {
				return nil, rpcError(400, ErrTypeScopeInvalid)
			}
			required = append(required, t)
		}
	}
	if len(required) == 0 {
		return nil, rpcError(400, ErrTypeScopeInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	form := &interfaces.AuthorizationForm{
		RequiredTypes:    required,
		SelfieRequired:   s.opts.SelfieRequired,
		PrivacyPolicyURL: s.opts.PrivacyPolicyURL,
	}
	for _, t := range interfaces.AllValueTypes {
		if !slices.ContainsFunc(required, func(r interfaces.ValueType) bool { return r == t || r.Companion() == t }) {
			continue
		}
		if sv, ok := s.values[t]; ok {
			form.Values = append(form.Values, sv)
		}
	}

	s.log.Info("Authorization form requested",
		slog.Int64("bot_id", req.BotID),
		slog.Int("required", len(required)),
		slog.Int("values", len(form.Values)))
	return form, nil
}

func (s *Service) GetPassword(ctx context.Context) (*interfaces.PasswordInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &interfaces.PasswordInfo{
		HasPassword:   s.authHash != nil,
		CurrentSalt:   s.currentSalt,
		NewSalt:       s.newSalt,
		NewSecureSalt: s.newSecureSalt,
		SecureKDF:     s.opts.KDF,
		Hint:          s.opts.Hint,
	}, nil
}

// checkPassword must be called with s.mu held.
func (s *Service) checkPassword(authHash []byte) error {
	if s.authHash == nil {
		return rpcError(400, ErrTypePasswordMissing)
	}
	if s.failedChecks >= maxPasswordChecks {
		return rpcError(420, ErrTypeFloodPasswordChecks)
	}
	if subtle.ConstantTimeCompare(authHash, s.authHash) != 1 {
		s.failedChecks++
		s.log.Warn("Password check failed", slog.Int("failed_checks", s.failedChecks))
		return rpcError(400, interfaces.ErrTypePasswordHashInvalid)
	}
	s.failedChecks = 0
	return nil
}

func (s *Service) GetPasswordSettings(ctx context.Context, authHash []byte) (*interfaces.PasswordSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPassword(authHash); err != nil {
		return nil, err
	}
	return &interfaces.PasswordSettings{
		SecureSalt:     s.settings.SecureSalt,
		SecureSecret:   s.settings.SecureSecret,
		SecureSecretID: s.settings.SecureSecretID,
		SecureKDF:      s.settings.SecureKDF,
	}, nil
}

// UpdatePasswordSettings registers a new wrapped master secret. Encrypted
// values stored under a different secret can no longer be opened and are
// dropped.
func (s *Service) UpdatePasswordSettings(ctx context.Context, authHash []byte, settings interfaces.SecureSecretSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPassword(authHash); err != nil {
		return err
	}
	if !bytes.HasPrefix(settings.SecureSalt, s.newSecureSalt) || len(settings.SecureSalt) <= len(s.newSecureSalt) {
		return rpcError(400, ErrTypeSecureSaltInvalid)
	}
	if len(settings.SecureSecret) != cryptoutils.SecretSize || settings.SecureSecretID == 0 {
		return rpcError(400, interfaces.ErrTypeSecretRegistrationInvalid)
	}

	if settings.SecureSecretID != s.settings.SecureSecretID {
		for t := range s.values {
			if t.Encrypted() {
				delete(s.values, t)
			}
		}
	}
	s.settings = settings
	s.log.Info("Registered master secret", slog.Uint64("secret_id", settings.SecureSecretID))
	return nil
}

// SaveSecureValue stores value after checking its hashes and, for phone and
// email, that the target was verified in this session.
func (s *Service) SaveSecureValue(ctx context.Context, value interfaces.InputSecureValue, secretID uint64) (*interfaces.SecureValue, error) {
	if !value.Type.Valid() {
		return nil, rpcError(400, interfaces.ErrTypeValueInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sv interfaces.SecureValue
	var err error
	if value.Type.Encrypted() {
		sv, err = s.encryptedValue(value, secretID)
	} else {
		sv, err = s.plainValue(value)
	}
	if err != nil {
		return nil, err
	}

	sv.Hash = valueHash(sv)
	s.values[value.Type] = sv
	s.log.Info("Saved secure value", slog.String("type", value.Type.String()), slog.Int("files", len(sv.Files)))

	saved := sv
	return &saved, nil
}

func (s *Service) plainValue(value interfaces.InputSecureValue) (interfaces.SecureValue, error) {
	if value.Plain == nil {
		return interfaces.SecureValue{}, rpcError(400, interfaces.ErrTypeValueInvalid)
	}

	switch value.Type {
	case interfaces.Phone:
		if value.Plain.Phone == "" {
			return interfaces.SecureValue{}, rpcError(400, ErrTypePhoneNumberInvalid)
		}
		if !s.verified[verifiedKey(interfaces.Phone, value.Plain.Phone)] {
			return interfaces.SecureValue{}, rpcError(403, interfaces.ErrTypePhoneVerificationNeeded)
		}
		return interfaces.SecureValue{Type: value.Type, Plain: &interfaces.PlainData{Phone: value.Plain.Phone}}, nil
	default:
		if value.Plain.Email == "" {
			return interfaces.SecureValue{}, rpcError(400, ErrTypeEmailInvalid)
		}
		if !s.verified[verifiedKey(interfaces.Email, value.Plain.Email)] {
			return interfaces.SecureValue{}, rpcError(403, interfaces.ErrTypeEmailVerificationNeeded)
		}
		return interfaces.SecureValue{Type: value.Type, Plain: &interfaces.PlainData{Email: value.Plain.Email}}, nil
	}
}

func (s *Service) encryptedValue(value interfaces.InputSecureValue, secretID uint64) (interfaces.SecureValue, error) {
	if secretID == 0 || secretID != s.settings.SecureSecretID {
		return interfaces.SecureValue{}, rpcError(400, ErrTypeSecretIDInvalid)
	}
	if value.Data == nil || len(value.Data.Secret) != cryptoutils.SecretSize || len(value.Data.DataHash) != sha256.Size {
		return interfaces.SecureValue{}, rpcError(400, interfaces.ErrTypeValueInvalid)
	}

	stored := s.values[value.Type]
	sv := interfaces.SecureValue{Type: value.Type, Data: value.Data}

	if value.HasFiles {
		if !value.Type.IsDocument() {
			return interfaces.SecureValue{}, rpcError(400, interfaces.ErrTypeValueInvalid)
		}
		for _, in := range value.Files {
			f, err := resolveFile(in, stored)
			if err != nil {
				return interfaces.SecureValue{}, err
			}
			sv.Files = append(sv.Files, f)
		}
	} else {
		sv.Files = stored.Files
	}

	if value.Selfie != nil {
		if !value.Type.IsIdentityDocument() {
			return interfaces.SecureValue{}, rpcError(400, interfaces.ErrTypeValueInvalid)
		}
		selfie, err := resolveFile(*value.Selfie, stored)
		if err != nil {
			return interfaces.SecureValue{}, err
		}
		sv.Selfie = &selfie
	}
	return sv, nil
}

// resolveFile turns an input file into a stored one: uploads are accepted as
// described, references must name a file the value already holds.
func resolveFile(in interfaces.InputSecureFile, stored interfaces.SecureValue) (interfaces.SecureFile, error) {
	if in.Uploaded {
		if in.Location == "" || len(in.FileHash) != sha256.Size || len(in.Secret) != cryptoutils.SecretSize {
			return interfaces.SecureFile{}, rpcError(400, ErrTypeFileInvalid)
		}
		accessHash, err := cryptoutils.RandomUint64()
		if err != nil {
			return interfaces.SecureFile{}, err
		}
		return interfaces.SecureFile{
			ID:         in.ID,
			AccessHash: accessHash,
			Location:   in.Location,
			Size:       in.Size,
			Date:       time.Now().Unix(),
			FileHash:   in.FileHash,
			Secret:     in.Secret,
		}, nil
	}

	known := stored.Files
	if stored.Selfie != nil {
		known = append(slices.Clone(known), *stored.Selfie)
	}
	for _, f := range known {
		if f.ID == in.ID && f.AccessHash == in.AccessHash {
			return f, nil
		}
	}
	return interfaces.SecureFile{}, rpcError(400, ErrTypeFileInvalid)
}

// valueHash commits to everything the requesting party will be able to
// check: the data hash, every file hash and the plain text.
func valueHash(sv interfaces.SecureValue) []byte {
	h := sha256.New()
	h.Write([]byte(sv.Type.String()))
	if sv.Data != nil {
		h.Write(sv.Data.DataHash)
	}
	for _, f := range sv.Files {
		h.Write(f.FileHash)
	}
	if sv.Selfie != nil {
		h.Write(sv.Selfie.FileHash)
	}
	if sv.Plain != nil {
		h.Write([]byte(sv.Plain.Phone))
		h.Write([]byte(sv.Plain.Email))
	}
	return h.Sum(nil)
}

func (s *Service) DeleteSecureValue(ctx context.Context, types []interfaces.ValueType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range types {
		delete(s.values, t)
	}
	s.log.Info("Deleted secure values", slog.Int("count", len(types)))
	return nil
}

// SendVerifyPhoneCode issues a code for phone, subject to the flood limit.
func (s *Service) SendVerifyPhoneCode(ctx context.Context, phone string) (*interfaces.SentCode, error) {
	if strings.TrimLeft(phone, "+0123456789 ") != "" || phone == "" {
		return nil, rpcError(400, ErrTypePhoneNumberInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := uuid.NewString()
	code := s.opts.NewCode(s.opts.CodeLength)
	s.phoneCodes[hash] = phoneCode{phone: phone, code: code}
	s.lastCodes[verifiedKey(interfaces.Phone, phone)] = code
	s.log.Info("Phone verification code sent", slog.String("phone", phone), slog.String("code", code))

	sent := &interfaces.SentCode{
		Type:          interfaces.SentCodeSMS,
		Length:        s.opts.CodeLength,
		PhoneCodeHash: hash,
	}
	if s.opts.CallTimeout > 0 {
		sent.NextType = interfaces.SentCodeCall
		sent.Timeout = int(s.opts.CallTimeout / time.Second)
	}
	return sent, nil
}

func (s *Service) ResendCode(ctx context.Context, phone string, phoneCodeHash string) (*interfaces.SentCode, error) {
	if phoneCodeHash == "" {
		return nil, rpcError(400, ErrTypePhoneCodeHashEmpty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.phoneCodes[phoneCodeHash]
	if !ok || pending.phone != phone {
		return nil, rpcError(400, interfaces.ErrTypePhoneCodeInvalid)
	}
	s.log.Info("Phone verification call placed", slog.String("phone", phone), slog.String("code", pending.code))
	return &interfaces.SentCode{
		Type:          interfaces.SentCodeCall,
		Length:        len(pending.code),
		PhoneCodeHash: phoneCodeHash,
	}, nil
}

func (s *Service) VerifyPhone(ctx context.Context, phone string, phoneCodeHash string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.phoneCodes[phoneCodeHash]
	if !ok || pending.phone != phone || pending.code != code {
		return rpcError(400, interfaces.ErrTypePhoneCodeInvalid)
	}
	delete(s.phoneCodes, phoneCodeHash)
	s.verified[verifiedKey(interfaces.Phone, phone)] = true
	return nil
}

func (s *Service) SendVerifyEmailCode(ctx context.Context, email string) (*interfaces.SentEmailCode, error) {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return nil, rpcError(400, ErrTypeEmailInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code := s.opts.NewCode(s.opts.CodeLength)
	s.emailCodes[email] = code
	s.lastCodes[verifiedKey(interfaces.Email, email)] = code
	s.log.Info("Email verification code sent", slog.String("email", email), slog.String("code", code))

	return &interfaces.SentEmailCode{
		EmailPattern: email[:1] + strings.Repeat("*", at-1) + email[at:],
		Length:       s.opts.CodeLength,
	}, nil
}

func (s *Service) VerifyEmail(ctx context.Context, email string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected, ok := s.emailCodes[email]
	if !ok || expected != code {
		return rpcError(400, interfaces.ErrTypeCodeInvalid)
	}
	delete(s.emailCodes, email)
	s.verified[verifiedKey(interfaces.Email, email)] = true
	return nil
}

// AcceptAuthorization forwards a submission. Every referenced hash must match
// a stored value.
func (s *Service) AcceptAuthorization(ctx context.Context, acceptance interfaces.Acceptance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(acceptance.Hashes) == 0 {
		return rpcError(400, ErrTypeValueHashInvalid)
	}
	for _, h := range acceptance.Hashes {
		sv, ok := s.values[h.Type]
		if !ok || !bytes.Equal(sv.Hash, h.Hash) {
			s.log.Warn("Acceptance references an unknown value", slog.String("type", h.Type.String()))
			return rpcError(400, ErrTypeValueHashInvalid)
		}
	}

	accepted := Accepted{Acceptance: acceptance}
	if key, ok := s.opts.BotKeys[acceptance.BotID]; ok {
		credentials, err := DecryptCredentials(key, acceptance.Credentials)
		if err != nil {
			s.log.Warn("Failed to open credentials", slog.Int64("bot_id", acceptance.BotID), "err", err)
			return rpcError(400, ErrTypeCredentialsInvalid)
		}
		accepted.Credentials = credentials
	}

	s.accepted = append(s.accepted, accepted)
	s.log.Info("Authorization accepted", slog.Int64("bot_id", acceptance.BotID), slog.Int("values", len(acceptance.Hashes)))
	return nil
}

// Accepted returns every authorization accepted so far.
func (s *Service) Accepted() []Accepted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.accepted)
}

// LastCode returns the last verification code sent to a phone number or
// email of type t.
func (s *Service) LastCode(t interfaces.ValueType, target string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.lastCodes[verifiedKey(t, target)]
	return code, ok
}

// DecryptCredentials is what the requesting party does with a submission.
func DecryptCredentials(privateKeyPEM []byte, sc interfaces.SecureCredentials) (*interfaces.Credentials, error) {
	secret, err := cryptoutils.DecryptCredentialsSecret(privateKeyPEM, sc.Secret)
	if err != nil {
		return nil, err
	}
	plaintext, err := cryptoutils.DecryptPayload(sc.Data, sc.Hash, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	var credentials interfaces.Credentials
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &credentials, nil
}

func verifiedKey(t interfaces.ValueType, target string) string {
	return t.String() + ":" + target
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

func randomCode(length int) string {
	var sb strings.Builder
	for range length {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			panic(err)
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String()
}
