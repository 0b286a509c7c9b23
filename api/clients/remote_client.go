package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/secure-values/api"
	"github.com/ruteri/secure-values/interfaces"
)

// RemoteClient implements interfaces.RemoteService over the HTTP JSON API
// served by the handlers package.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteClient creates a client for the service at baseURL
// (e.g. "http://localhost:8080"). The optional timeout defaults to 30 seconds.
func NewRemoteClient(baseURL string, timeout ...time.Duration) *RemoteClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// call posts body to the operation and decodes the answer into out. Non-200
// answers are returned as *interfaces.RPCError when the body carries one.
func (c *RemoteClient) call(ctx context.Context, op string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+api.PathPrefix+op, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read %s response: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		var rpcErr api.ErrorResponse
		if err := json.Unmarshal(respBody, &rpcErr); err == nil && rpcErr.Type != "" {
			if rpcErr.Code == 0 {
				rpcErr.Code = resp.StatusCode
			}
			return &rpcErr
		}
		return fmt.Errorf("%s request failed with code %d: %s", op, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse %s response: %w", op, err)
	}
	return nil
}

func (c *RemoteClient) GetAuthorizationForm(ctx context.Context, req interfaces.FormRequest) (*interfaces.AuthorizationForm, error) {
	var form interfaces.AuthorizationForm
	if err := c.call(ctx, api.OpGetAuthorizationForm, req, &form); err != nil {
		return nil, err
	}
	return &form, nil
}

func (c *RemoteClient) GetPassword(ctx context.Context) (*interfaces.PasswordInfo, error) {
	var info interfaces.PasswordInfo
	if err := c.call(ctx, api.OpGetPassword, struct{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *RemoteClient) GetPasswordSettings(ctx context.Context, authHash []byte) (*interfaces.PasswordSettings, error) {
	var settings interfaces.PasswordSettings
	if err := c.call(ctx, api.OpGetPasswordSettings, api.GetPasswordSettingsRequest{AuthHash: authHash}, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (c *RemoteClient) UpdatePasswordSettings(ctx context.Context, authHash []byte, settings interfaces.SecureSecretSettings) error {
	return c.call(ctx, api.OpUpdatePasswordSettings, api.UpdatePasswordSettingsRequest{AuthHash: authHash, Settings: settings}, nil)
}

func (c *RemoteClient) SaveSecureValue(ctx context.Context, value interfaces.InputSecureValue, secretID uint64) (*interfaces.SecureValue, error) {
	var saved interfaces.SecureValue
	if err := c.call(ctx, api.OpSaveSecureValue, api.SaveSecureValueRequest{Value: value, SecretID: secretID}, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (c *RemoteClient) DeleteSecureValue(ctx context.Context, types []interfaces.ValueType) error {
	return c.call(ctx, api.OpDeleteSecureValue, api.DeleteSecureValueRequest{Types: types}, nil)
}

func (c *RemoteClient) SendVerifyPhoneCode(ctx context.Context, phone string) (*interfaces.SentCode, error) {
	var sent interfaces.SentCode
	if err := c.call(ctx, api.OpSendVerifyPhoneCode, api.SendVerifyPhoneCodeRequest{Phone: phone}, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

func (c *RemoteClient) ResendCode(ctx context.Context, phone string, phoneCodeHash string) (*interfaces.SentCode, error) {
	var sent interfaces.SentCode
	if err := c.call(ctx, api.OpResendCode, api.ResendCodeRequest{Phone: phone, PhoneCodeHash: phoneCodeHash}, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

func (c *RemoteClient) VerifyPhone(ctx context.Context, phone string, phoneCodeHash string, code string) error {
	return c.call(ctx, api.OpVerifyPhone, api.VerifyPhoneRequest{Phone: phone, PhoneCodeHash: phoneCodeHash, Code: code}, nil)
}

func (c *RemoteClient) SendVerifyEmailCode(ctx context.Context, email string) (*interfaces.SentEmailCode, error) {
	var sent interfaces.SentEmailCode
	if err := c.call(ctx, api.OpSendVerifyEmailCode, api.SendVerifyEmailCodeRequest{Email: email}, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

func (c *RemoteClient) VerifyEmail(ctx context.Context, email string, code string) error {
	return c.call(ctx, api.OpVerifyEmail, api.VerifyEmailRequest{Email: email, Code: code}, nil)
}

func (c *RemoteClient) AcceptAuthorization(ctx context.Context, acceptance interfaces.Acceptance) error {
	return c.call(ctx, api.OpAcceptAuthorization, acceptance, nil)
}

var _ interfaces.RemoteService = (*RemoteClient)(nil)
