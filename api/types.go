package api

import (
	"github.com/ruteri/secure-values/interfaces"
)

// Operation names. Every operation is served at POST /api/passport/<name>
// with a JSON body and a JSON answer.
const (
	OpGetAuthorizationForm   = "get_authorization_form"
	OpGetPassword            = "get_password"
	OpGetPasswordSettings    = "get_password_settings"
	OpUpdatePasswordSettings = "update_password_settings"
	OpSaveSecureValue        = "save_secure_value"
	OpDeleteSecureValue      = "delete_secure_value"
	OpSendVerifyPhoneCode    = "send_verify_phone_code"
	OpResendCode             = "resend_code"
	OpVerifyPhone            = "verify_phone"
	OpSendVerifyEmailCode    = "send_verify_email_code"
	OpVerifyEmail            = "verify_email"
	OpAcceptAuthorization    = "accept_authorization"
)

// PathPrefix is where the remote service operations are mounted.
const PathPrefix = "/api/passport/"

// ErrorResponse is the body of every non-200 answer.
type ErrorResponse = interfaces.RPCError

type GetPasswordSettingsRequest struct {
	AuthHash []byte `json:"auth_hash"`
}

type UpdatePasswordSettingsRequest struct {
	AuthHash []byte                          `json:"auth_hash"`
	Settings interfaces.SecureSecretSettings `json:"settings"`
}

// SaveSecureValueRequest carries the value together with the master secret id
// it was encrypted under.
type SaveSecureValueRequest struct {
	Value    interfaces.InputSecureValue `json:"value"`
	SecretID uint64                      `json:"secret_id"`
}

type DeleteSecureValueRequest struct {
	Types []interfaces.ValueType `json:"types"`
}

type SendVerifyPhoneCodeRequest struct {
	Phone string `json:"phone"`
}

type ResendCodeRequest struct {
	Phone         string `json:"phone"`
	PhoneCodeHash string `json:"phone_code_hash"`
}

type VerifyPhoneRequest struct {
	Phone         string `json:"phone"`
	PhoneCodeHash string `json:"phone_code_hash"`
	Code          string `json:"code"`
}

type SendVerifyEmailCodeRequest struct {
	Email string `json:"email"`
}

type VerifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// OKResponse answers operations that return nothing.
type OKResponse struct {
	OK bool `json:"ok"`
}
