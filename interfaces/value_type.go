package interfaces

import (
	"fmt"
)

// ValueType identifies one secure value slot. Every per-type decision
// (wire name, credentials key, encryption, companion scope) is answered by
// the helpers below and nowhere else.
type ValueType int

const (
	ValueTypeUnknown ValueType = iota
	PersonalDetails
	Passport
	DriverLicense
	IdentityCard
	Address
	UtilityBill
	BankStatement
	RentalAgreement
	Phone
	Email
)

// AllValueTypes lists every known type in wire order.
var AllValueTypes = []ValueType{
	PersonalDetails,
	Passport,
	DriverLicense,
	IdentityCard,
	Address,
	UtilityBill,
	BankStatement,
	RentalAgreement,
	Phone,
	Email,
}

type valueTypeInfo struct {
	wire           string
	credentialsKey string
	encrypted      bool
	companion      ValueType
	identity       bool
	requiredFields []string
}

var valueTypes = map[ValueType]valueTypeInfo{
	PersonalDetails: {
		wire:           "personal_details",
		credentialsKey: "personal_details",
		encrypted:      true,
		requiredFields: []string{"first_name", "last_name", "birth_date", "gender", "country_code", "residence_country_code"},
	},
	Passport: {
		wire:           "passport",
		credentialsKey: "passport",
		encrypted:      true,
		companion:      PersonalDetails,
		identity:       true,
		requiredFields: []string{"document_no"},
	},
	DriverLicense: {
		wire:           "driver_license",
		credentialsKey: "driver_license",
		encrypted:      true,
		companion:      PersonalDetails,
		identity:       true,
		requiredFields: []string{"document_no"},
	},
	IdentityCard: {
		wire:           "identity_card",
		credentialsKey: "identity_card",
		encrypted:      true,
		companion:      PersonalDetails,
		identity:       true,
		requiredFields: []string{"document_no"},
	},
	Address: {
		wire:           "address",
		credentialsKey: "address",
		encrypted:      true,
		requiredFields: []string{"street_line1", "city", "country_code", "post_code"},
	},
	UtilityBill: {
		wire:           "utility_bill",
		credentialsKey: "utility_bill",
		encrypted:      true,
		companion:      Address,
	},
	BankStatement: {
		wire:           "bank_statement",
		credentialsKey: "bank_statement",
		encrypted:      true,
		companion:      Address,
	},
	RentalAgreement: {
		wire:           "rental_agreement",
		credentialsKey: "rental_agreement",
		encrypted:      true,
		companion:      Address,
	},
	Phone: {
		wire:           "phone_number",
		requiredFields: []string{"value"},
	},
	Email: {
		wire:           "email",
		requiredFields: []string{"value"},
	},
}

// ParseValueType resolves a wire name.
func ParseValueType(wire string) (ValueType, error) {
	for t, info := range valueTypes {
		if info.wire == wire {
			return t, nil
		}
	}
	return ValueTypeUnknown, fmt.Errorf("unknown value type %q", wire)
}

// String returns the wire name.
func (t ValueType) String() string {
	if info, ok := valueTypes[t]; ok {
		return info.wire
	}
	return "unknown"
}

// Valid reports whether t is a known type.
func (t ValueType) Valid() bool {
	_, ok := valueTypes[t]
	return ok
}

// CredentialsKey is the key under "secure_data" in the submitted
// credentials. Plain values (phone, email) have none.
func (t ValueType) CredentialsKey() string {
	return valueTypes[t].credentialsKey
}

// Encrypted reports whether the value carries encrypted data and files, as
// opposed to a plain verifiable text value.
func (t ValueType) Encrypted() bool {
	return valueTypes[t].encrypted
}

// IsDocument reports whether the type is a document that joins the scope of
// its companion fields type.
func (t ValueType) IsDocument() bool {
	return valueTypes[t].companion != ValueTypeUnknown
}

// IsIdentityDocument reports whether a selfie may be attached.
func (t ValueType) IsIdentityDocument() bool {
	return valueTypes[t].identity
}

// Companion returns the fields type whose scope a document joins, or t
// itself for fields types.
func (t ValueType) Companion() ValueType {
	if c := valueTypes[t].companion; c != ValueTypeUnknown {
		return c
	}
	return t
}

// RequiredFields lists the field keys that must be non-empty for the value
// to count as complete.
func (t ValueType) RequiredFields() []string {
	return valueTypes[t].requiredFields
}

// MarshalText encodes t by its scope name.
func (t ValueType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal value type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *ValueType) UnmarshalText(text []byte) error {
	parsed, err := ParseValueType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
