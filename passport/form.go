package passport

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
)

// MaxScans is the number of non-deleted scans a document may carry.
const MaxScans = 20

// downloadFailed is the DownloadOffset of a file whose load failed.
const downloadFailed = -1

// Form is the aggregate of every value the requesting party may see.
type Form struct {
	Values           map[interfaces.ValueType]*Value
	Request          []interfaces.ValueType
	SelfieRequired   bool
	PrivacyPolicyURL string
}

// File is one scan or selfie. Secret is the unwrapped file secret and Image
// the decrypted content once loaded.
type File struct {
	ID              uint64
	AccessHash      uint64
	Location        string
	Size            int64
	Date            int64
	Hash            []byte
	Secret          []byte
	EncryptedSecret []byte
	Image           []byte

	// DownloadOffset is 0 before loading, Size when loaded and -1 on failure.
	DownloadOffset int64
}

// Key identifies f in storage and in the preview cache.
func (f *File) Key() interfaces.FileKey {
	return interfaces.FileKey{Location: f.Location, ID: f.ID}
}

func (f *File) Loaded() bool {
	return f.Image != nil
}

// UploadState tracks a scan added during the current edit session.
type UploadState struct {
	Bytes      []byte
	Checksum   string
	Offset     int64
	PartsCount int
	Done       bool
	Failed     bool
}

// EditFile is a file in the shadow edit copy. Existing server files have a
// nil Upload.
type EditFile struct {
	File
	Upload  *UploadState
	Deleted bool

	token *dispatch.Token
}

func (ef *EditFile) uploading() bool {
	return ef.Upload != nil && !ef.Upload.Done
}

// ValueData is the committed encrypted payload of a value and, once the
// master secret resolves, its decrypted fields.
type ValueData struct {
	Encrypted       []byte
	Hash            []byte
	EncryptedSecret []byte
	Secret          []byte
	Fields          map[string]string
}

// Value is one secure value slot. Committed state is replaced only by a
// server echo or a reset; edits go to the *InEdit shadow copy.
type Value struct {
	Type   interfaces.ValueType
	Data   ValueData
	Plain  string
	Files  []File
	Selfie *File
	Hash   []byte
	Error  string

	FieldsInEdit map[string]string
	FilesInEdit  []*EditFile
	SelfieInEdit *EditFile
	Verification Verification

	inEdit      bool
	editScreens int
	savePending bool
	saveToken   *dispatch.Token
}

func newValue(t interfaces.ValueType) *Value {
	return &Value{Type: t}
}

// Editing reports whether a shadow edit copy exists.
func (v *Value) Editing() bool {
	return v.inEdit
}

// Saving reports whether a save, delete or verification is in progress.
func (v *Value) Saving() bool {
	return v.savePending || v.Verification.Pending || v.Verification.CodeLength != 0
}

// Empty reports whether the value holds nothing on the server.
func (v *Value) Empty() bool {
	return len(v.Hash) == 0 && len(v.Data.Encrypted) == 0 && len(v.Files) == 0 && v.Selfie == nil && v.Plain == ""
}

// Fields returns the committed fields, plain values included under "value".
func (v *Value) Fields() map[string]string {
	if !v.Type.Encrypted() {
		return map[string]string{"value": v.Plain}
	}
	return maps.Clone(v.Data.Fields)
}

func (v *Value) activeEditScans() int {
	count := 0
	for _, ef := range v.FilesInEdit {
		if !ef.Deleted {
			count++
		}
	}
	return count
}

// UploadsSettled reports whether every live file of the shadow copy has
// finished uploading, and whether any of them failed.
func (v *Value) UploadsSettled() (settled, failed bool) {
	settled = true
	check := func(ef *EditFile) {
		if ef == nil || ef.Deleted || ef.Upload == nil {
			return
		}
		if ef.Upload.Failed {
			failed = true
		} else if !ef.Upload.Done {
			settled = false
		}
	}
	for _, ef := range v.FilesInEdit {
		check(ef)
	}
	check(v.SelfieInEdit)
	return settled, failed
}

func (v *Value) editFile(fileID uint64) *EditFile {
	for _, ef := range v.FilesInEdit {
		if ef.ID == fileID {
			return ef
		}
	}
	return nil
}

// parseForm builds the form from the remote answer. Duplicate and unknown
// types are skipped, and every requested type gets a value (documents also
// get their companion fields value).
func (c *Controller) parseForm(answer *interfaces.AuthorizationForm) *Form {
	form := &Form{
		Values:           make(map[interfaces.ValueType]*Value),
		SelfieRequired:   answer.SelfieRequired,
		PrivacyPolicyURL: answer.PrivacyPolicyURL,
	}

	for _, sv := range answer.Values {
		if !sv.Type.Valid() {
			c.log.Warn("Skipping value of unknown type", slog.Int("type", int(sv.Type)))
			continue
		}
		if _, ok := form.Values[sv.Type]; ok {
			c.log.Warn("Skipping duplicate value", slog.String("type", sv.Type.String()))
			continue
		}
		v := newValue(sv.Type)
		applyServerValue(v, sv)
		form.Values[sv.Type] = v
	}

	for _, t := range answer.RequiredTypes {
		if !t.Valid() {
			c.log.Warn("Skipping unknown required type", slog.Int("type", int(t)))
			continue
		}
		form.Request = append(form.Request, t)
		for _, slot := range []interfaces.ValueType{t, t.Companion()} {
			if _, ok := form.Values[slot]; !ok {
				form.Values[slot] = newValue(slot)
			}
		}
	}

	return form
}

// applyServerValue replaces the committed state of v with sv. Secrets stay
// wrapped until decryptValue runs.
func applyServerValue(v *Value, sv interfaces.SecureValue) {
	v.Hash = sv.Hash
	v.Data = ValueData{}
	if sv.Data != nil {
		v.Data = ValueData{
			Encrypted:       sv.Data.Data,
			Hash:            sv.Data.DataHash,
			EncryptedSecret: sv.Data.Secret,
		}
	}

	v.Files = make([]File, 0, len(sv.Files))
	for _, sf := range sv.Files {
		v.Files = append(v.Files, fileFromServer(sf))
	}

	v.Selfie = nil
	if sv.Selfie != nil {
		selfie := fileFromServer(*sv.Selfie)
		v.Selfie = &selfie
	}

	v.Plain = ""
	if sv.Plain != nil {
		switch v.Type {
		case interfaces.Phone:
			v.Plain = sv.Plain.Phone
		case interfaces.Email:
			v.Plain = sv.Plain.Email
		}
	}
}

func fileFromServer(sf interfaces.SecureFile) File {
	return File{
		ID:              sf.ID,
		AccessHash:      sf.AccessHash,
		Location:        sf.Location,
		Size:            sf.Size,
		Date:            sf.Date,
		Hash:            sf.FileHash,
		EncryptedSecret: sf.Secret,
	}
}

// decryptValue unwraps every secret of v and decrypts its fields. Any
// failure is an ErrFileSecretIntegrity and v must be reset.
func decryptValue(v *Value, master []byte) error {
	if len(v.Data.Encrypted) > 0 {
		secret, err := cryptoutils.DecryptValueSecret(v.Data.EncryptedSecret, master, v.Data.Hash)
		if err != nil {
			return fmt.Errorf("%w: data secret: %w", interfaces.ErrFileSecretIntegrity, err)
		}
		plaintext, err := cryptoutils.DecryptPayload(v.Data.Encrypted, v.Data.Hash, secret)
		if err != nil {
			return fmt.Errorf("%w: data: %w", interfaces.ErrFileSecretIntegrity, err)
		}
		fields, err := cryptoutils.DeserializeFields(plaintext)
		if err != nil {
			return fmt.Errorf("%w: fields: %w", interfaces.ErrFileSecretIntegrity, err)
		}
		v.Data.Secret = secret
		v.Data.Fields = fields
	}

	decryptFile := func(f *File) error {
		secret, err := cryptoutils.DecryptValueSecret(f.EncryptedSecret, master, f.Hash)
		if err != nil {
			return fmt.Errorf("%w: file %d: %w", interfaces.ErrFileSecretIntegrity, f.ID, err)
		}
		f.Secret = secret
		return nil
	}
	for i := range v.Files {
		if err := decryptFile(&v.Files[i]); err != nil {
			return err
		}
	}
	if v.Selfie != nil {
		if err := decryptFile(v.Selfie); err != nil {
			return err
		}
	}
	return nil
}

// decryptValues runs once the master secret is known.
func (c *Controller) decryptValues(master []byte) {
	for _, t := range interfaces.AllValueTypes {
		v, ok := c.form.Values[t]
		if !ok || !t.Encrypted() || v.Empty() {
			continue
		}
		if err := decryptValue(v, master); err != nil {
			c.log.Error("Failed to decrypt value, resetting it", slog.String("type", t.String()), "err", err)
			c.resetValue(v)
		}
		c.emitValue(EventValueUpdated, t)
	}
}

// resetEncryptedValues forgets every value holding ciphertext. Plain values
// are left alone.
func (c *Controller) resetEncryptedValues() {
	for _, t := range interfaces.AllValueTypes {
		v, ok := c.form.Values[t]
		if !ok || !t.Encrypted() || v.Empty() {
			continue
		}
		c.resetValue(v)
		c.emitValue(EventValueUpdated, t)
	}
}

// resetValue empties v while keeping its edit-session count. An open editor
// gets a fresh shadow copy of the now empty value.
func (c *Controller) resetValue(v *Value) {
	editScreens := v.editScreens
	c.clearEdit(v)
	c.stopVerification(v)
	if v.saveToken != nil {
		v.saveToken.Cancel()
	}

	*v = Value{Type: v.Type, editScreens: editScreens}
	if editScreens > 0 {
		c.seedEdit(v)
	}
}
