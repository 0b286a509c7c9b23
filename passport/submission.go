package passport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
)

// Scope is one requirement of the form: a fields value and the documents
// that may back it, any one of which is enough.
type Scope struct {
	Fields    interfaces.ValueType
	Documents []interfaces.ValueType
}

// ScopeReadiness is the outcome of checking one scope. Document is the
// chosen ready document, if the scope has any.
type ScopeReadiness struct {
	Scope
	Ready    bool
	Document interfaces.ValueType
}

// Scopes groups the requested types: fields types form scopes, documents
// join the scope of their companion fields type.
func (c *Controller) Scopes() []Scope {
	if c.form == nil {
		return nil
	}

	var scopes []Scope
	index := make(map[interfaces.ValueType]int)
	for _, t := range c.form.Request {
		fields := t.Companion()
		i, ok := index[fields]
		if !ok {
			i = len(scopes)
			index[fields] = i
			scopes = append(scopes, Scope{Fields: fields})
		}
		if t.IsDocument() && !slices.Contains(scopes[i].Documents, t) {
			scopes[i].Documents = append(scopes[i].Documents, t)
		}
	}
	return scopes
}

// CheckReadiness checks every scope and records a local error on each value
// that keeps its scope from being ready.
func (c *Controller) CheckReadiness() []ScopeReadiness {
	var result []ScopeReadiness
	for _, scope := range c.Scopes() {
		r := ScopeReadiness{Scope: scope, Ready: true}

		fields := c.form.Values[scope.Fields]
		if msg := c.incomplete(fields); msg != "" {
			c.markNotReady(fields, msg)
			r.Ready = false
		}

		if len(scope.Documents) > 0 {
			var firstProblem string
			for _, t := range scope.Documents {
				msg := c.incomplete(c.form.Values[t])
				if msg == "" {
					r.Document = t
					break
				}
				if firstProblem == "" {
					firstProblem = msg
				}
			}
			if r.Document == interfaces.ValueTypeUnknown {
				c.markNotReady(c.form.Values[scope.Documents[0]], firstProblem)
				r.Ready = false
			}
		}

		result = append(result, r)
	}
	return result
}

// incomplete returns why v cannot be submitted, or "" when it can.
func (c *Controller) incomplete(v *Value) string {
	if len(v.Hash) == 0 {
		if v.Type.IsDocument() {
			return MessageDocumentMissing
		}
		return MessageFieldsMissing
	}

	fields := v.Fields()
	for _, key := range v.Type.RequiredFields() {
		if fields[key] == "" {
			return MessageFieldsMissing
		}
	}

	if v.Type.IsDocument() && len(v.Files) == 0 {
		return MessageDocumentMissing
	}
	if v.Type.IsIdentityDocument() && c.form.SelfieRequired && v.Selfie == nil {
		return MessageSelfieMissing
	}
	return ""
}

func (c *Controller) markNotReady(v *Value, msg string) {
	v.Error = msg
	c.emit(Event{Kind: EventValueError, Type: v.Type, Message: msg, Err: interfaces.ErrValidation})
}

// Build assembles the submission. When any scope is not ready it returns
// ErrValidation and nothing is sent.
func (c *Controller) Build() (*interfaces.Acceptance, error) {
	if c.form == nil {
		return nil, interfaces.ErrValidation
	}

	readiness := c.CheckReadiness()
	for _, r := range readiness {
		if !r.Ready {
			return nil, interfaces.ErrValidation
		}
	}

	if _, ok := c.secrets.Secret(); !ok {
		return nil, interfaces.ErrSecretNotReady
	}

	acceptance := &interfaces.Acceptance{
		BotID:     c.request.BotID,
		Scope:     c.request.Scope,
		PublicKey: c.request.PublicKey,
	}
	credentials := interfaces.Credentials{
		SecureData: make(map[string]interfaces.SecureDataCredentials),
		Payload:    c.request.Payload,
	}

	add := func(t interfaces.ValueType) {
		v := c.form.Values[t]
		acceptance.Hashes = append(acceptance.Hashes, interfaces.SecureValueHash{Type: t, Hash: v.Hash})
		if key := t.CredentialsKey(); key != "" {
			credentials.SecureData[key] = c.valueCredentials(v)
		}
	}
	for _, r := range readiness {
		add(r.Fields)
		if r.Document != interfaces.ValueTypeUnknown {
			add(r.Document)
		}
	}

	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}
	secret, err := cryptoutils.GenerateSecret()
	if err != nil {
		return nil, err
	}
	encrypted, err := cryptoutils.EncryptPayload(plaintext, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	encryptedSecret, err := cryptoutils.EncryptCredentialsSecret([]byte(c.request.PublicKey), secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials secret: %w", err)
	}

	acceptance.Credentials = interfaces.SecureCredentials{
		Data:   encrypted.Ciphertext,
		Hash:   encrypted.Hash,
		Secret: encryptedSecret,
	}
	return acceptance, nil
}

func (c *Controller) valueCredentials(v *Value) interfaces.SecureDataCredentials {
	var creds interfaces.SecureDataCredentials
	if len(v.Data.Hash) > 0 {
		creds.Data = &interfaces.DataCredentials{DataHash: v.Data.Hash, Secret: v.Data.Secret}
	}
	for _, f := range v.Files {
		creds.Files = append(creds.Files, interfaces.FileCredentials{FileHash: f.Hash, Secret: f.Secret})
	}
	if v.Selfie != nil && c.form.SelfieRequired {
		creds.Selfie = &interfaces.FileCredentials{FileHash: v.Selfie.Hash, Secret: v.Selfie.Secret}
	}
	return creds
}

// Submit builds and sends the submission. It returns true without sending
// anything again while a submission is in flight or after one succeeded,
// and false when the form is not ready.
func (c *Controller) Submit() bool {
	if c.submitting || c.submitted {
		return true
	}

	acceptance, err := c.Build()
	if err != nil {
		c.log.Info("Form not ready for submission", "err", err)
		c.emit(Event{Kind: EventSubmitFailed, Err: err})
		return false
	}

	c.submitting = true
	dispatch.Call(c.queue, c.exec, c.newToken(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.remote.AcceptAuthorization(ctx, *acceptance)
	}, func(o dispatch.Outcome[struct{}]) {
		c.submitting = false
		if o.Err != nil {
			c.log.Error("Submission failed", "err", o.Err)
			c.emit(Event{Kind: EventSubmitFailed, Message: errorMessage(o.Err), Err: o.Err})
			return
		}

		c.submitted = true
		c.log.Info("Authorization accepted", slog.Int("values", len(acceptance.Hashes)))
		c.emit(Event{Kind: EventSubmitted, CallbackURL: c.CallbackURL("success")})
	})
	return true
}

// Submitted reports whether the submission succeeded.
func (c *Controller) Submitted() bool {
	return c.submitted
}

// CallbackURL returns the requester's callback with passport=result added,
// or "" when the request has no usable callback.
func (c *Controller) CallbackURL(result string) string {
	if c.request.CallbackURL == "" {
		return ""
	}
	u, err := url.Parse(c.request.CallbackURL)
	if err != nil {
		c.log.Warn("Invalid callback URL", "err", err)
		return ""
	}
	query := u.Query()
	query.Set("passport", result)
	u.RawQuery = query.Encode()
	return u.String()
}
