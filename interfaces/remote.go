package interfaces

import (
	"context"
)

// FormRequest identifies the requesting party and what it asks for.
type FormRequest struct {
	BotID       int64  `json:"bot_id"`
	Scope       string `json:"scope"`
	PublicKey   string `json:"public_key"`
	Payload     string `json:"payload"`
	CallbackURL string `json:"callback_url"`
}

// AuthorizationForm is the remote answer to a form request.
type AuthorizationForm struct {
	RequiredTypes    []ValueType   `json:"required_types"`
	Values           []SecureValue `json:"values"`
	SelfieRequired   bool          `json:"selfie_required"`
	PrivacyPolicyURL string        `json:"privacy_policy_url,omitempty"`
}

// SecureData is an encrypted field payload together with its wrapped secret.
type SecureData struct {
	Data     []byte `json:"data"`
	DataHash []byte `json:"data_hash"`
	Secret   []byte `json:"secret"`
}

// PlainData carries the text of a verifiable plain value.
type PlainData struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// SecureFile describes a file the remote service accepted.
type SecureFile struct {
	ID         uint64 `json:"id"`
	AccessHash uint64 `json:"access_hash"`
	Location   string `json:"location"`
	Size       int64  `json:"size"`
	Date       int64  `json:"date"`
	FileHash   []byte `json:"file_hash"`
	Secret     []byte `json:"secret"`
}

// SecureValue is the authoritative server copy of one value.
type SecureValue struct {
	Type   ValueType    `json:"type"`
	Data   *SecureData  `json:"data,omitempty"`
	Files  []SecureFile `json:"files,omitempty"`
	Selfie *SecureFile  `json:"selfie,omitempty"`
	Plain  *PlainData   `json:"plain,omitempty"`
	Hash   []byte       `json:"hash"`
}

// InputSecureFile references either a freshly uploaded file or one the
// server already holds.
type InputSecureFile struct {
	ID         uint64 `json:"id"`
	AccessHash uint64 `json:"access_hash,omitempty"`
	Uploaded   bool   `json:"uploaded"`
	PartsCount int    `json:"parts_count,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Location   string `json:"location,omitempty"`
	Size       int64  `json:"size,omitempty"`
	FileHash   []byte `json:"file_hash,omitempty"`
	Secret     []byte `json:"secret,omitempty"`
}

// InputSecureValue is a save request. Exactly the parts flagged by non-nil
// pointers (and HasFiles) are replaced on the server.
type InputSecureValue struct {
	Type     ValueType         `json:"type"`
	Data     *SecureData       `json:"data,omitempty"`
	HasFiles bool              `json:"has_files,omitempty"`
	Files    []InputSecureFile `json:"files,omitempty"`
	Selfie   *InputSecureFile  `json:"selfie,omitempty"`
	Plain    *PlainData        `json:"plain,omitempty"`
}

// KDFAlgo selects how the master-secret wrapping key is derived from the
// password.
type KDFAlgo string

const (
	KDFSHA512Legacy KDFAlgo = ""
	KDFPBKDF2SHA512 KDFAlgo = "pbkdf2-sha512"
	KDFArgon2id     KDFAlgo = "argon2id"
)

// PasswordInfo describes the account password and the salts the client must
// use when creating a new master secret.
type PasswordInfo struct {
	HasPassword             bool    `json:"has_password"`
	CurrentSalt             []byte  `json:"current_salt,omitempty"`
	NewSalt                 []byte  `json:"new_salt,omitempty"`
	NewSecureSalt           []byte  `json:"new_secure_salt,omitempty"`
	SecureKDF               KDFAlgo `json:"secure_kdf,omitempty"`
	Hint                    string  `json:"hint,omitempty"`
	HasRecovery             bool    `json:"has_recovery"`
	EmailUnconfirmedPattern string  `json:"email_unconfirmed_pattern,omitempty"`
}

// PasswordSettings is returned after a successful password check.
type PasswordSettings struct {
	Email          string  `json:"email,omitempty"`
	SecureSalt     []byte  `json:"secure_salt,omitempty"`
	SecureSecret   []byte  `json:"secure_secret,omitempty"`
	SecureSecretID uint64  `json:"secure_secret_id,omitempty"`
	SecureKDF      KDFAlgo `json:"secure_kdf,omitempty"`
}

// SecureSecretSettings registers a new wrapped master secret.
type SecureSecretSettings struct {
	SecureSalt     []byte  `json:"secure_salt"`
	SecureSecret   []byte  `json:"secure_secret"`
	SecureSecretID uint64  `json:"secure_secret_id"`
	SecureKDF      KDFAlgo `json:"secure_kdf,omitempty"`
}

// SentCodeType tells how a verification code was delivered.
type SentCodeType int

const (
	SentCodeNone SentCodeType = iota
	SentCodeApp
	SentCodeSMS
	SentCodeCall
	SentCodeFlashCall
)

// SentCode describes a phone verification code that was dispatched.
type SentCode struct {
	Type          SentCodeType `json:"type"`
	Length        int          `json:"length"`
	PhoneCodeHash string       `json:"phone_code_hash"`
	NextType      SentCodeType `json:"next_type,omitempty"`
	Timeout       int          `json:"timeout,omitempty"`
}

// SentEmailCode describes an email verification code that was dispatched.
type SentEmailCode struct {
	EmailPattern string `json:"email_pattern"`
	Length       int    `json:"length"`
}

// SecureValueHash names a stored value by type and hash in an acceptance.
type SecureValueHash struct {
	Type ValueType `json:"type"`
	Hash []byte    `json:"hash"`
}

// SecureCredentials is the encrypted reference blob sent on submission.
type SecureCredentials struct {
	Data   []byte `json:"data"`
	Hash   []byte `json:"hash"`
	Secret []byte `json:"secret"`
}

// Credentials is the plaintext of SecureCredentials.Data. It references the
// submitted values by hash and carries their secrets, never their contents.
type Credentials struct {
	SecureData map[string]SecureDataCredentials `json:"secure_data"`
	Payload    string                           `json:"payload"`
}

// SecureDataCredentials let the requesting party decrypt what it was granted.
type SecureDataCredentials struct {
	Data   *DataCredentials  `json:"data,omitempty"`
	Files  []FileCredentials `json:"files,omitempty"`
	Selfie *FileCredentials  `json:"selfie,omitempty"`
}

type DataCredentials struct {
	DataHash []byte `json:"data_hash"`
	Secret   []byte `json:"secret"`
}

type FileCredentials struct {
	FileHash []byte `json:"file_hash"`
	Secret   []byte `json:"secret"`
}

// Acceptance is the final submission.
type Acceptance struct {
	BotID       int64             `json:"bot_id"`
	Scope       string            `json:"scope"`
	PublicKey   string            `json:"public_key"`
	Hashes      []SecureValueHash `json:"hashes"`
	Credentials SecureCredentials `json:"credentials"`
}

// RemoteService is the request/response contract with the service that
// stores secure values and forwards submissions.
type RemoteService interface {
	GetAuthorizationForm(ctx context.Context, req FormRequest) (*AuthorizationForm, error)
	GetPassword(ctx context.Context) (*PasswordInfo, error)
	GetPasswordSettings(ctx context.Context, authHash []byte) (*PasswordSettings, error)
	UpdatePasswordSettings(ctx context.Context, authHash []byte, settings SecureSecretSettings) error

	SaveSecureValue(ctx context.Context, value InputSecureValue, secretID uint64) (*SecureValue, error)
	DeleteSecureValue(ctx context.Context, types []ValueType) error

	SendVerifyPhoneCode(ctx context.Context, phone string) (*SentCode, error)
	ResendCode(ctx context.Context, phone string, phoneCodeHash string) (*SentCode, error)
	VerifyPhone(ctx context.Context, phone string, phoneCodeHash string, code string) error
	SendVerifyEmailCode(ctx context.Context, email string) (*SentEmailCode, error)
	VerifyEmail(ctx context.Context, email string, code string) error

	AcceptAuthorization(ctx context.Context, acceptance Acceptance) error
}
