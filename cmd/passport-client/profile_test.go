package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/secure-values/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProfile = `
[personal_details.fields]
first_name = "Ada"
last_name = "Lovelace"

[passport]
fields = { document_no = "P123" }
scans = ["scans/front.jpg", "/abs/back.jpg"]
selfie = "me.jpg"

[phone_number]
value = "+15550100"

[email]
delete = true
`

func TestParseProfile(t *testing.T) {
	profile, err := parseProfile([]byte(testProfile), "/home/ada")
	require.NoError(t, err)
	require.Len(t, profile, 4)

	assert.Equal(t, map[string]string{"first_name": "Ada", "last_name": "Lovelace"}, profile[interfaces.PersonalDetails].Fields)

	passport := profile[interfaces.Passport]
	assert.Equal(t, []string{"/home/ada/scans/front.jpg", "/abs/back.jpg"}, passport.Scans)
	assert.Equal(t, "/home/ada/me.jpg", passport.Selfie)
	assert.Equal(t, map[string]string{"document_no": "P123"}, passport.SaveFields(interfaces.Passport))

	phone := profile[interfaces.Phone]
	assert.Equal(t, map[string]string{"value": "+15550100"}, phone.SaveFields(interfaces.Phone))

	assert.True(t, profile[interfaces.Email].Delete)
}

func TestParseProfileErrors(t *testing.T) {
	tests := []struct {
		name    string
		profile string
	}{
		{name: "unknown type", profile: "[visa]\nvalue = \"x\"\n"},
		{name: "unknown key", profile: "[phone_number]\nnumber = \"x\"\n"},
		{name: "fields on plain type", profile: "[email.fields]\nvalue = \"x\"\n"},
		{name: "value on encrypted type", profile: "[address]\nvalue = \"x\"\n"},
		{name: "scans on fields type", profile: "[address]\nscans = [\"a.jpg\"]\n"},
		{name: "selfie on non identity document", profile: "[utility_bill]\nselfie = \"a.jpg\"\n"},
		{name: "delete with content", profile: "[passport]\ndelete = true\nscans = [\"a.jpg\"]\n"},
		{name: "malformed", profile: "[passport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseProfile([]byte(tt.profile), ".")
			assert.Error(t, err)
		})
	}
}

func TestLoadProfileResolvesAgainstItsDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.toml")
	require.NoError(t, os.WriteFile(path, []byte("[utility_bill]\nscans = [\"bill.pdf\"]\n"), 0o600))

	profile, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "bill.pdf")}, profile[interfaces.UtilityBill].Scans)
}
