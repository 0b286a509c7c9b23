package passport

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
)

// CallState tracks the voice call fallback of a phone verification.
type CallState int

const (
	CallDisabled CallState = iota
	CallWaiting
	CallCalling
	CallCalled
)

// PhoneCall is the voice call fallback of an SMS verification.
type PhoneCall struct {
	State   CallState
	Timeout time.Duration

	stop func() bool
}

// Verification is the ownership check of a phone number or email.
type Verification struct {
	Target string
	// CodeLength is 0 while no code is expected and -1 when any length is
	// accepted.
	CodeLength    int
	PhoneCodeHash string
	Call          *PhoneCall
	Error         string
	// Pending is set while a send or verify request is in flight.
	Pending bool

	token *dispatch.Token
}

func (c *Controller) startPhoneVerification(v *Value, phone string) {
	token := c.beginVerification(v, phone)

	dispatch.Call(c.queue, c.exec, token, func(ctx context.Context) (*interfaces.SentCode, error) {
		return c.remote.SendVerifyPhoneCode(ctx, phone)
	}, func(o dispatch.Outcome[*interfaces.SentCode]) {
		v.Verification.Pending = false
		if o.Err != nil {
			c.verificationRequestFailed(v, o.Err)
			return
		}

		sent := o.Value
		v.Verification.CodeLength = codeLength(sent.Length)
		v.Verification.PhoneCodeHash = sent.PhoneCodeHash
		if sent.NextType == interfaces.SentCodeCall {
			timeout := DefaultCallTimeout
			if sent.Timeout > 0 {
				timeout = time.Duration(sent.Timeout) * time.Second
			}
			v.Verification.Call = &PhoneCall{State: CallWaiting, Timeout: timeout}
			c.scheduleCall(v, token)
		}
		c.emitValue(EventVerificationNeeded, v.Type)
	})
}

func (c *Controller) startEmailVerification(v *Value, email string) {
	token := c.beginVerification(v, email)

	dispatch.Call(c.queue, c.exec, token, func(ctx context.Context) (*interfaces.SentEmailCode, error) {
		return c.remote.SendVerifyEmailCode(ctx, email)
	}, func(o dispatch.Outcome[*interfaces.SentEmailCode]) {
		v.Verification.Pending = false
		if o.Err != nil {
			c.verificationRequestFailed(v, o.Err)
			return
		}
		v.Verification.CodeLength = codeLength(o.Value.Length)
		c.emitValue(EventVerificationNeeded, v.Type)
	})
}

func (c *Controller) beginVerification(v *Value, target string) *dispatch.Token {
	c.stopVerification(v)
	token := c.newToken()
	v.Verification = Verification{Target: target, Pending: true, token: token}
	c.log.Info("Verification needed", slog.String("type", v.Type.String()))
	c.emitValue(EventVerificationUpdated, v.Type)
	return token
}

func (c *Controller) verificationRequestFailed(v *Value, err error) {
	c.log.Warn("Failed to send verification code", slog.String("type", v.Type.String()), "err", err)
	c.stopVerification(v)
	c.emitValueError(v, err)
	c.editFailed(v)
}

func codeLength(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

// scheduleCall counts down to the voice call fallback.
func (c *Controller) scheduleCall(v *Value, token *dispatch.Token) {
	call := v.Verification.Call
	call.stop = c.afterFunc(call.Timeout, func() {
		c.queue.Post(func() {
			if !token.Alive() || v.Verification.Call != call || call.State != CallWaiting {
				return
			}
			c.requestPhoneCall(v, token)
		})
	})
}

func (c *Controller) requestPhoneCall(v *Value, token *dispatch.Token) {
	call := v.Verification.Call
	call.State = CallCalling
	c.emitValue(EventVerificationUpdated, v.Type)

	phone, hash := v.Verification.Target, v.Verification.PhoneCodeHash
	dispatch.Call(c.queue, c.exec, token, func(ctx context.Context) (*interfaces.SentCode, error) {
		return c.remote.ResendCode(ctx, phone, hash)
	}, func(o dispatch.Outcome[*interfaces.SentCode]) {
		call.State = CallCalled
		if o.Err != nil {
			c.log.Warn("Failed to request verification call", "err", o.Err)
			v.Verification.Error = errorMessage(o.Err)
		} else if o.Value.PhoneCodeHash != "" {
			v.Verification.PhoneCodeHash = o.Value.PhoneCodeHash
		}
		c.emitValue(EventVerificationUpdated, v.Type)
	})
}

// VerifyCode submits the code the user received. Malformed codes are
// rejected locally with ErrWrongCode; a call while a check is pending does
// nothing. A verified value is saved right away.
func (c *Controller) VerifyCode(t interfaces.ValueType, code string) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}
	if v.Verification.Pending {
		return nil
	}
	if v.Verification.CodeLength == 0 {
		return interfaces.ErrNoVerification
	}

	code = strings.TrimSpace(code)
	if code == "" || (v.Verification.CodeLength > 0 && utf8.RuneCountInString(code) != v.Verification.CodeLength) {
		v.Verification.Error = MessageWrongCode
		c.emit(Event{Kind: EventVerificationUpdated, Type: t, Message: MessageWrongCode, Err: interfaces.ErrWrongCode})
		return interfaces.ErrWrongCode
	}

	v.Verification.Pending = true
	v.Verification.Error = ""
	c.emitValue(EventVerificationUpdated, t)

	token := v.Verification.token
	target, hash := v.Verification.Target, v.Verification.PhoneCodeHash
	dispatch.Call(c.queue, c.exec, token, func(ctx context.Context) (struct{}, error) {
		if t == interfaces.Phone {
			return struct{}{}, c.remote.VerifyPhone(ctx, target, hash, code)
		}
		return struct{}{}, c.remote.VerifyEmail(ctx, target, code)
	}, func(o dispatch.Outcome[struct{}]) {
		v.Verification.Pending = false
		if o.Err != nil {
			c.log.Info("Verification code rejected", slog.String("type", t.String()), "err", o.Err)
			v.Verification.Error = errorMessage(o.Err)
			c.emit(Event{Kind: EventVerificationUpdated, Type: t, Message: v.Verification.Error, Err: o.Err})
			return
		}

		c.log.Info("Verified value", slog.String("type", t.String()))
		c.stopVerification(v)
		c.emitValue(EventVerificationUpdated, t)
		c.savePlain(v, target)
	})
	return nil
}

// CancelVerification abandons the verification of t and its outstanding
// request.
func (c *Controller) CancelVerification(t interfaces.ValueType) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}
	if v.Verification.CodeLength == 0 && !v.Verification.Pending {
		return nil
	}

	c.stopVerification(v)
	c.emitValue(EventVerificationUpdated, t)
	c.editFailed(v)
	return nil
}

// editFailed drops the shadow copy once nothing is saving and no editor is
// open.
func (c *Controller) editFailed(v *Value) {
	if !v.Saving() && v.editScreens == 0 {
		c.clearEdit(v)
	}
}

func (c *Controller) stopVerification(v *Value) {
	if v.Verification.token != nil {
		v.Verification.token.Cancel()
	}
	if call := v.Verification.Call; call != nil && call.stop != nil {
		call.stop()
	}
	v.Verification = Verification{}
}
