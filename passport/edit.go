package passport

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/ruteri/secure-values/kms"
)

// StartEdit opens an edit session on t. Sessions nest; the shadow copy is
// seeded from committed state by the first one, unless a save is running.
func (c *Controller) StartEdit(t interfaces.ValueType) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}

	v.editScreens++
	if v.Saving() || v.inEdit {
		return nil
	}
	c.seedEdit(v)
	return nil
}

// seedEdit copies committed state into the shadow copy and starts loading
// scans that are not decrypted yet.
func (c *Controller) seedEdit(v *Value) {
	v.inEdit = true
	v.FieldsInEdit = v.Fields()
	if v.FieldsInEdit == nil {
		v.FieldsInEdit = make(map[string]string)
	}

	v.FilesInEdit = make([]*EditFile, 0, len(v.Files))
	for _, f := range v.Files {
		v.FilesInEdit = append(v.FilesInEdit, &EditFile{File: f})
	}
	v.SelfieInEdit = nil
	if v.Selfie != nil {
		v.SelfieInEdit = &EditFile{File: *v.Selfie}
	}

	for _, f := range v.Files {
		c.loadFile(v.Type, f.Key())
	}
	if v.Selfie != nil {
		c.loadFile(v.Type, v.Selfie.Key())
	}
}

// clearEdit drops the shadow copy. Pending encryptions and uploads of its
// files are cancelled and their results discarded.
func (c *Controller) clearEdit(v *Value) {
	for _, ef := range v.FilesInEdit {
		if ef.token != nil {
			ef.token.Cancel()
		}
	}
	if v.SelfieInEdit != nil && v.SelfieInEdit.token != nil {
		v.SelfieInEdit.token.Cancel()
	}
	v.FieldsInEdit = nil
	v.FilesInEdit = nil
	v.SelfieInEdit = nil
	v.inEdit = false
}

// CancelEdit closes one edit session. The last one discards the shadow copy
// unless a save is running.
func (c *Controller) CancelEdit(t interfaces.ValueType) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}

	if v.editScreens > 0 {
		v.editScreens--
	}
	if v.editScreens == 0 && !v.Saving() {
		c.clearEdit(v)
	}
	return nil
}

// Changed reports whether saving fields together with the shadow files
// would modify the committed value.
func (c *Controller) Changed(t interfaces.ValueType, fields map[string]string) (bool, error) {
	v, err := c.value(t)
	if err != nil {
		return false, err
	}
	return changed(v, fields), nil
}

func changed(v *Value, fields map[string]string) bool {
	for _, ef := range v.FilesInEdit {
		if ef.Deleted || ef.Upload != nil {
			return true
		}
	}
	if ef := v.SelfieInEdit; ef != nil && (ef.Deleted || ef.Upload != nil) {
		return true
	}

	committed := v.Fields()
	for key, value := range fields {
		if committed[key] != value {
			return true
		}
	}
	for key, value := range committed {
		if _, ok := fields[key]; !ok && value != "" {
			return true
		}
	}
	return false
}

// SaveEdit promotes the shadow copy, with fields, to the server. It does
// nothing while the value or the form is already being saved or submitted,
// and saves nothing but still reports EventSaveFinished when there is no
// change.
func (c *Controller) SaveEdit(t interfaces.ValueType, fields map[string]string) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}
	if v.Saving() || c.submitting {
		return nil
	}

	if !v.inEdit {
		c.seedEdit(v)
	}
	for _, ef := range v.FilesInEdit {
		if !ef.Deleted && ef.uploading() {
			return interfaces.ErrUploadInProgress
		}
	}
	if ef := v.SelfieInEdit; ef != nil && !ef.Deleted && ef.uploading() {
		return interfaces.ErrUploadInProgress
	}

	if !changed(v, fields) {
		c.clearEdit(v)
		c.emitValue(EventSaveFinished, t)
		return nil
	}

	v.Error = ""
	v.FieldsInEdit = maps.Clone(fields)

	if !t.Encrypted() {
		text := strings.TrimSpace(fields["value"])
		if text == "" {
			c.deleteValue(v)
			return nil
		}
		c.savePlain(v, text)
		return nil
	}

	if nothingToSave(v, fields) {
		c.deleteValue(v)
		return nil
	}
	c.saveEncrypted(v)
	return nil
}

func nothingToSave(v *Value, fields map[string]string) bool {
	for _, value := range fields {
		if value != "" {
			return false
		}
	}
	if v.activeEditScans() > 0 {
		return false
	}
	return v.SelfieInEdit == nil || v.SelfieInEdit.Deleted
}

// DeleteEdit removes the value from the server. The edit-session count
// survives the reset.
func (c *Controller) DeleteEdit(t interfaces.ValueType) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}
	if v.Saving() || c.submitting {
		return nil
	}
	c.deleteValue(v)
	return nil
}

func (c *Controller) deleteValue(v *Value) {
	v.savePending = true
	v.saveToken = c.newToken()
	c.emitValue(EventValueUpdated, v.Type)

	t := v.Type
	dispatch.Call(c.queue, c.exec, v.saveToken, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.remote.DeleteSecureValue(ctx, []interfaces.ValueType{t})
	}, func(o dispatch.Outcome[struct{}]) {
		v.savePending = false
		if o.Err != nil {
			c.log.Warn("Failed to delete value", slog.String("type", t.String()), "err", o.Err)
			c.emitValueError(v, o.Err)
			c.editFailed(v)
			c.emitValue(EventValueUpdated, t)
			return
		}

		c.resetValue(v)
		c.log.Info("Deleted value", slog.String("type", t.String()))
		c.emitValue(EventValueUpdated, t)
		c.emitValue(EventSaveFinished, t)
	})
}

// saveEncrypted waits for the master secret, then encrypts the shadow fields
// under the value's data secret and sends them with the shadow files.
func (c *Controller) saveEncrypted(v *Value) {
	v.savePending = true
	token := c.newToken()
	v.saveToken = token
	c.emitValue(EventValueUpdated, v.Type)

	c.secrets.WithSecret(func(master kms.MasterSecret) {
		if !token.Alive() {
			return
		}
		input, err := c.encryptedInput(v, master)
		if err != nil {
			v.savePending = false
			c.log.Error("Failed to encrypt value", slog.String("type", v.Type.String()), "err", err)
			c.emitValueError(v, err)
			c.editFailed(v)
			c.emitValue(EventValueUpdated, v.Type)
			return
		}
		c.sendSave(v, token, input, master.ID)
	})
}

func (c *Controller) encryptedInput(v *Value, master kms.MasterSecret) (interfaces.InputSecureValue, error) {
	input := interfaces.InputSecureValue{Type: v.Type}

	secret := v.Data.Secret
	if len(secret) == 0 {
		var err error
		if secret, err = cryptoutils.GenerateSecret(); err != nil {
			return input, err
		}
	}

	encrypted, err := cryptoutils.EncryptPayload(cryptoutils.SerializeFields(v.FieldsInEdit), secret)
	if err != nil {
		return input, fmt.Errorf("failed to encrypt fields: %w", err)
	}
	wrapped, err := cryptoutils.EncryptValueSecret(secret, master.Bytes, encrypted.Hash)
	if err != nil {
		return input, fmt.Errorf("failed to wrap data secret: %w", err)
	}
	input.Data = &interfaces.SecureData{
		Data:     encrypted.Ciphertext,
		DataHash: encrypted.Hash,
		Secret:   wrapped,
	}

	if v.Type.IsDocument() {
		input.HasFiles = true
		for _, ef := range v.FilesInEdit {
			if !ef.Deleted {
				input.Files = append(input.Files, inputFile(ef))
			}
		}
	}
	if ef := v.SelfieInEdit; ef != nil && !ef.Deleted && c.form.SelfieRequired && v.Type.IsIdentityDocument() {
		selfie := inputFile(ef)
		input.Selfie = &selfie
	}
	return input, nil
}

func inputFile(ef *EditFile) interfaces.InputSecureFile {
	if ef.Upload == nil {
		return interfaces.InputSecureFile{ID: ef.ID, AccessHash: ef.AccessHash}
	}
	return interfaces.InputSecureFile{
		ID:         ef.ID,
		Uploaded:   true,
		PartsCount: ef.Upload.PartsCount,
		Checksum:   ef.Upload.Checksum,
		Location:   ef.Location,
		Size:       ef.Size,
		FileHash:   ef.Hash,
		Secret:     ef.EncryptedSecret,
	}
}

// savePlain saves a phone number or email. The server may ask to verify it
// first, which starts the verification flow instead of failing.
func (c *Controller) savePlain(v *Value, text string) {
	v.savePending = true
	token := c.newToken()
	v.saveToken = token
	c.emitValue(EventValueUpdated, v.Type)

	input := interfaces.InputSecureValue{Type: v.Type, Plain: &interfaces.PlainData{}}
	switch v.Type {
	case interfaces.Phone:
		input.Plain.Phone = text
	case interfaces.Email:
		input.Plain.Email = text
	}

	var secretID uint64
	if secret, ok := c.secrets.Secret(); ok {
		secretID = secret.ID
	}
	c.sendSave(v, token, input, secretID)
}

func (c *Controller) sendSave(v *Value, token *dispatch.Token, input interfaces.InputSecureValue, secretID uint64) {
	dispatch.Call(c.queue, c.exec, token, func(ctx context.Context) (*interfaces.SecureValue, error) {
		return c.remote.SaveSecureValue(ctx, input, secretID)
	}, func(o dispatch.Outcome[*interfaces.SecureValue]) {
		v.savePending = false
		if o.Err != nil {
			c.saveFailed(v, input, o.Err)
			return
		}
		c.saveFinished(v, o.Value)
	})
}

func (c *Controller) saveFailed(v *Value, input interfaces.InputSecureValue, err error) {
	switch rpcType := interfaces.RPCErrorType(err); {
	case v.Type == interfaces.Phone && rpcType == interfaces.ErrTypePhoneVerificationNeeded:
		c.startPhoneVerification(v, input.Plain.Phone)
		return
	case v.Type == interfaces.Email && rpcType == interfaces.ErrTypeEmailVerificationNeeded:
		c.startEmailVerification(v, input.Plain.Email)
		return
	}

	c.log.Warn("Failed to save value", slog.String("type", v.Type.String()), "err", err)
	c.emitValueError(v, err)
	c.editFailed(v)
	c.emitValue(EventValueUpdated, v.Type)
}

// saveFinished replaces the value with the server echo. Previews of files
// uploaded in this session carry over by file hash.
func (c *Controller) saveFinished(v *Value, echo *interfaces.SecureValue) {
	previews := make(map[string][]byte)
	collect := func(ef *EditFile) {
		if ef != nil && ef.Image != nil {
			previews[string(ef.Hash)] = ef.Image
		}
	}
	for _, ef := range v.FilesInEdit {
		collect(ef)
	}
	collect(v.SelfieInEdit)

	editScreens := v.editScreens
	c.clearEdit(v)
	*v = Value{Type: v.Type}
	applyServerValue(v, *echo)

	restore := func(f *File) {
		preview, ok := previews[string(f.Hash)]
		if !ok {
			return
		}
		f.Image = preview
		f.DownloadOffset = f.Size
		c.storePreview(f.Key(), preview)
	}
	for i := range v.Files {
		restore(&v.Files[i])
	}
	if v.Selfie != nil {
		restore(v.Selfie)
	}

	if v.Type.Encrypted() {
		if secret, ok := c.secrets.Secret(); ok {
			if err := decryptValue(v, secret.Bytes); err != nil {
				c.log.Error("Failed to decrypt saved value, resetting it", slog.String("type", v.Type.String()), "err", err)
				c.resetValue(v)
			}
		}
	}
	v.editScreens = editScreens

	c.log.Info("Saved value", slog.String("type", v.Type.String()))
	c.emitValue(EventValueUpdated, v.Type)
	c.emitValue(EventSaveFinished, v.Type)
}
