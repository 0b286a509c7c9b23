package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ruteri/secure-values/interfaces"
)

// ValueProfile is what fill writes into one value. Encrypted types take
// Fields (and Scans and Selfie for documents); phone_number and email take
// Value.
type ValueProfile struct {
	Fields map[string]string `toml:"fields"`
	Value  string            `toml:"value"`
	Scans  []string          `toml:"scans"`
	Selfie string            `toml:"selfie"`
	Delete bool              `toml:"delete"`
}

// Profile is a TOML document with one table per value type, keyed by wire
// name:
//
//	[personal_details.fields]
//	first_name = "Ada"
//
//	[passport]
//	fields = { document_no = "P123" }
//	scans = ["passport.jpg"]
//
//	[phone_number]
//	value = "+15550100"
type Profile map[interfaces.ValueType]ValueProfile

// LoadProfile reads a profile. Scan and selfie paths are relative to the
// profile's directory.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read profile: %w", err)
	}
	return parseProfile(data, filepath.Dir(path))
}

func parseProfile(data []byte, baseDir string) (Profile, error) {
	var raw map[string]ValueProfile
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("unknown profile keys: %s", strings.Join(keys, ", "))
	}

	profile := make(Profile, len(raw))
	for name, p := range raw {
		t, err := interfaces.ParseValueType(name)
		if err != nil {
			return nil, err
		}
		if err := p.validate(t); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}

		for i, scan := range p.Scans {
			p.Scans[i] = resolvePath(baseDir, scan)
		}
		if p.Selfie != "" {
			p.Selfie = resolvePath(baseDir, p.Selfie)
		}
		profile[t] = p
	}
	return profile, nil
}

func (p ValueProfile) validate(t interfaces.ValueType) error {
	if p.Delete {
		if len(p.Fields) > 0 || p.Value != "" || len(p.Scans) > 0 || p.Selfie != "" {
			return fmt.Errorf("delete excludes any content")
		}
		return nil
	}
	if !t.Encrypted() {
		if len(p.Fields) > 0 || len(p.Scans) > 0 || p.Selfie != "" {
			return fmt.Errorf("only value may be set")
		}
		return nil
	}
	if p.Value != "" {
		return fmt.Errorf("value is only valid for phone_number and email")
	}
	if len(p.Scans) > 0 && !t.IsDocument() {
		return fmt.Errorf("scans are only valid for documents")
	}
	if p.Selfie != "" && !t.IsIdentityDocument() {
		return fmt.Errorf("selfie is only valid for identity documents")
	}
	return nil
}

// SaveFields is the field map handed to the controller.
func (p ValueProfile) SaveFields(t interfaces.ValueType) map[string]string {
	if !t.Encrypted() {
		return map[string]string{"value": p.Value}
	}
	fields := make(map[string]string, len(p.Fields))
	for key, value := range p.Fields {
		fields[key] = value
	}
	return fields
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
