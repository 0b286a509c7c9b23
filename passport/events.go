package passport

import (
	"errors"
	"fmt"

	"github.com/ruteri/secure-values/interfaces"
)

// EventKind identifies what changed.
type EventKind int

const (
	EventFormReady EventKind = iota
	EventFormFailed
	EventPasswordError
	EventSecretReady
	EventValueUpdated
	EventFileUpdated
	EventSaveFinished
	EventVerificationNeeded
	EventVerificationUpdated
	EventValueError
	EventSubmitted
	EventSubmitFailed
)

var eventNames = map[EventKind]string{
	EventFormReady:           "form_ready",
	EventFormFailed:          "form_failed",
	EventPasswordError:       "password_error",
	EventSecretReady:         "secret_ready",
	EventValueUpdated:        "value_updated",
	EventFileUpdated:         "file_updated",
	EventSaveFinished:        "save_finished",
	EventVerificationNeeded:  "verification_needed",
	EventVerificationUpdated: "verification_updated",
	EventValueError:          "value_error",
	EventSubmitted:           "submitted",
	EventSubmitFailed:        "submit_failed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is what the presentation layer observes. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind        EventKind
	Type        interfaces.ValueType
	FileID      uint64
	Message     string
	Err         error
	CallbackURL string
}

// User-facing messages. Localization happens in the presentation layer.
const (
	MessageWrongCode       = "Invalid code."
	MessageInvalidPassword = "Invalid password."
	MessageEmptyPassword   = "Please enter your password."
	MessageFlood           = "Too many attempts. Please try again later."
	MessageFieldsMissing   = "Please fill in all required fields."
	MessageDocumentMissing = "Please upload a scan of the document."
	MessageSelfieMissing   = "Please upload a selfie with the document."
	MessageFileCorrupted   = "The file could not be decrypted."
	MessageUnsupportedKDF  = "Please update the app to unlock your data."
)

// errorMessage maps a failure to the message shown to the user. Remote
// identifiers without dedicated handling get a generic message carrying the
// identifier.
func errorMessage(err error) string {
	if errors.Is(err, interfaces.ErrUnsupportedKDF) {
		return MessageUnsupportedKDF
	}
	var rpcErr *interfaces.RPCError
	if !errors.As(err, &rpcErr) {
		return fmt.Sprintf("Request failed: %v", err)
	}

	switch {
	case rpcErr.IsFlood():
		return MessageFlood
	case rpcErr.Type == interfaces.ErrTypePasswordHashInvalid:
		return MessageInvalidPassword
	case rpcErr.Type == interfaces.ErrTypePhoneCodeInvalid, rpcErr.Type == interfaces.ErrTypeCodeInvalid:
		return MessageWrongCode
	default:
		return fmt.Sprintf("Server error: %s", rpcErr.Type)
	}
}

// Subscribe registers fn for every event emitted from now on. fn runs on the
// coordinating context.
func (c *Controller) Subscribe(fn func(Event)) {
	c.subscribers = append(c.subscribers, fn)
}

func (c *Controller) emit(ev Event) {
	for _, fn := range c.subscribers {
		fn(ev)
	}
}

func (c *Controller) emitValue(kind EventKind, t interfaces.ValueType) {
	c.emit(Event{Kind: kind, Type: t})
}

func (c *Controller) emitValueError(v *Value, err error) {
	v.Error = errorMessage(err)
	c.emit(Event{Kind: EventValueError, Type: v.Type, Message: v.Error, Err: err})
}
