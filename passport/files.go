package passport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/ruteri/secure-values/kms"
)

// loader is an active download, shared by every file with the same key.
type loader struct {
	token *dispatch.Token
}

type encryptedFile struct {
	secret   []byte
	payload  cryptoutils.EncryptedPayload
	checksum string
}

// UploadScan adds a scan to the shadow copy of document t and starts
// encrypting and uploading it. It returns the id of the new file.
func (c *Controller) UploadScan(t interfaces.ValueType, content []byte) (uint64, error) {
	v, err := c.value(t)
	if err != nil {
		return 0, err
	}
	if !t.IsDocument() {
		return 0, fmt.Errorf("%w: %s", interfaces.ErrNotDocument, t)
	}
	if !v.inEdit {
		return 0, interfaces.ErrNotEditing
	}
	if v.activeEditScans() >= MaxScans {
		return 0, interfaces.ErrScansLimitReached
	}

	ef, err := c.newEditFile(content)
	if err != nil {
		return 0, err
	}
	v.FilesInEdit = append(v.FilesInEdit, ef)
	c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: ef.ID})

	c.encryptFile(t, ef, content)
	return ef.ID, nil
}

// DeleteScan marks a scan as deleted. It stays in the shadow copy so that
// RestoreScan can undo it before the value is saved.
func (c *Controller) DeleteScan(t interfaces.ValueType, fileID uint64) error {
	ef, err := c.editScan(t, fileID)
	if err != nil {
		return err
	}
	ef.Deleted = true
	c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: fileID})
	return nil
}

// RestoreScan undoes DeleteScan while the scan limit allows it.
func (c *Controller) RestoreScan(t interfaces.ValueType, fileID uint64) error {
	ef, err := c.editScan(t, fileID)
	if err != nil {
		return err
	}
	if !ef.Deleted {
		return nil
	}
	if v, _ := c.value(t); v.activeEditScans() >= MaxScans {
		return interfaces.ErrScansLimitReached
	}
	ef.Deleted = false
	c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: fileID})
	return nil
}

func (c *Controller) editScan(t interfaces.ValueType, fileID uint64) (*EditFile, error) {
	v, err := c.value(t)
	if err != nil {
		return nil, err
	}
	if !v.inEdit {
		return nil, interfaces.ErrNotEditing
	}
	ef := v.editFile(fileID)
	if ef == nil {
		return nil, fmt.Errorf("%w: %d", interfaces.ErrNoSuchFile, fileID)
	}
	return ef, nil
}

// UploadSelfie replaces the shadow selfie of identity document t.
func (c *Controller) UploadSelfie(t interfaces.ValueType, content []byte) (uint64, error) {
	v, err := c.value(t)
	if err != nil {
		return 0, err
	}
	if !t.IsIdentityDocument() || !c.form.SelfieRequired {
		return 0, fmt.Errorf("%w: no selfie for %s", interfaces.ErrNotDocument, t)
	}
	if !v.inEdit {
		return 0, interfaces.ErrNotEditing
	}

	ef, err := c.newEditFile(content)
	if err != nil {
		return 0, err
	}
	if old := v.SelfieInEdit; old != nil && old.token != nil {
		old.token.Cancel()
	}
	v.SelfieInEdit = ef
	c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: ef.ID})

	c.encryptFile(t, ef, content)
	return ef.ID, nil
}

// DeleteSelfie marks the selfie of t as deleted in the shadow copy.
func (c *Controller) DeleteSelfie(t interfaces.ValueType) error {
	return c.markSelfie(t, true)
}

// RestoreSelfie undoes DeleteSelfie.
func (c *Controller) RestoreSelfie(t interfaces.ValueType) error {
	return c.markSelfie(t, false)
}

func (c *Controller) markSelfie(t interfaces.ValueType, deleted bool) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}
	if !v.inEdit {
		return interfaces.ErrNotEditing
	}
	if v.SelfieInEdit == nil {
		return interfaces.ErrNoSuchFile
	}
	v.SelfieInEdit.Deleted = deleted
	c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: v.SelfieInEdit.ID})
	return nil
}

func (c *Controller) newEditFile(content []byte) (*EditFile, error) {
	id, err := cryptoutils.RandomUint64()
	if err != nil {
		return nil, err
	}
	return &EditFile{
		File: File{
			ID:             id,
			Size:           int64(len(content)),
			Date:           time.Now().Unix(),
			Image:          append([]byte(nil), content...),
			DownloadOffset: int64(len(content)),
		},
		Upload: &UploadState{},
		token:  c.newToken(),
	}, nil
}

// encryptFile runs on the executor. The result is applied only while the
// edit file's token is alive.
func (c *Controller) encryptFile(t interfaces.ValueType, ef *EditFile, content []byte) {
	dispatch.Call(c.queue, c.exec, ef.token, func(ctx context.Context) (encryptedFile, error) {
		secret, err := cryptoutils.GenerateSecret()
		if err != nil {
			return encryptedFile{}, err
		}
		payload, err := cryptoutils.EncryptPayload(content, secret)
		if err != nil {
			return encryptedFile{}, err
		}
		return encryptedFile{
			secret:   secret,
			payload:  payload,
			checksum: cryptoutils.Checksum(payload.Ciphertext),
		}, nil
	}, func(o dispatch.Outcome[encryptedFile]) {
		if o.Err != nil {
			ef.Upload.Failed = true
			c.log.Error("Failed to encrypt file", slog.String("type", t.String()), "err", o.Err)
			c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: ef.ID, Err: o.Err})
			return
		}

		ef.Secret = o.Value.secret
		ef.Hash = o.Value.payload.Hash
		ef.Size = int64(len(o.Value.payload.Ciphertext))
		ef.Upload.Bytes = o.Value.payload.Ciphertext
		ef.Upload.Checksum = o.Value.checksum
		c.startUpload(t, ef)
	})
}

func (c *Controller) startUpload(t interfaces.ValueType, ef *EditFile) {
	token := ef.token
	ctx, release := token.Acquire()
	events := c.uploader.Upload(ctx, interfaces.UploadRequest{
		FileID:   ef.ID,
		Bytes:    ef.Upload.Bytes,
		Checksum: ef.Upload.Checksum,
	})

	c.exec.Go(func() {
		defer release()
		for ev := range events {
			c.queue.Post(func() {
				if !token.Alive() {
					return
				}
				c.uploadEvent(t, ef, ev)
			})
		}
	})
}

func (c *Controller) uploadEvent(t interfaces.ValueType, ef *EditFile, ev interfaces.UploadEvent) {
	switch ev.Kind {
	case interfaces.TransferProgress:
		ef.Upload.Offset = ev.Offset
	case interfaces.TransferDone:
		ef.Upload.Done = true
		ef.Upload.Offset = ef.Size
		ef.Upload.PartsCount = ev.PartsCount
		ef.Upload.Bytes = nil
		ef.Location = ev.Location
		c.wrapFileSecret(t, ef)
	case interfaces.TransferFailed:
		ef.Upload.Failed = true
		c.log.Warn("File upload failed",
			slog.String("type", t.String()),
			slog.Uint64("file_id", ef.ID),
			"err", ev.Err)
	}
	c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: ef.ID, Err: ev.Err})
}

// wrapFileSecret binds the file secret to the master secret and the file
// hash once both are known.
func (c *Controller) wrapFileSecret(t interfaces.ValueType, ef *EditFile) {
	token := ef.token
	c.secrets.WithSecret(func(master kms.MasterSecret) {
		if !token.Alive() {
			return
		}
		wrapped, err := cryptoutils.EncryptValueSecret(ef.Secret, master.Bytes, ef.Hash)
		if err != nil {
			ef.Upload.Done = false
			ef.Upload.Failed = true
			c.log.Error("Failed to wrap file secret", slog.Uint64("file_id", ef.ID), "err", err)
			c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: ef.ID, Err: err})
			return
		}
		ef.EncryptedSecret = wrapped
	})
}

// LoadScan downloads and decrypts a committed scan of t.
func (c *Controller) LoadScan(t interfaces.ValueType, fileID uint64) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}
	for i := range v.Files {
		if v.Files[i].ID == fileID {
			c.loadFile(t, v.Files[i].Key())
			return nil
		}
	}
	return fmt.Errorf("%w: %d", interfaces.ErrNoSuchFile, fileID)
}

// LoadSelfie downloads and decrypts the committed selfie of t.
func (c *Controller) LoadSelfie(t interfaces.ValueType) error {
	v, err := c.value(t)
	if err != nil {
		return err
	}
	if v.Selfie == nil {
		return interfaces.ErrNoSuchFile
	}
	c.loadFile(t, v.Selfie.Key())
	return nil
}

// loadFile makes the committed file with key decrypted in memory. It is a
// no-op for loaded files and joins an active download of the same key.
func (c *Controller) loadFile(t interfaces.ValueType, key interfaces.FileKey) {
	f := c.committedFile(t, key)
	if f == nil {
		return
	}
	if f.Loaded() {
		f.DownloadOffset = f.Size
		return
	}
	if _, ok := c.loaders[key]; ok {
		return
	}
	if len(f.Secret) == 0 {
		if c.secrets.Ready() {
			c.fileLoadFailed(t, key, interfaces.ErrFileSecretIntegrity)
			return
		}
		// File secrets unwrap when the master secret resolves.
		c.secrets.WithSecret(func(kms.MasterSecret) { c.loadFile(t, key) })
		return
	}

	l := &loader{token: c.newToken()}
	c.loaders[key] = l

	if c.previews == nil {
		c.startDownload(t, key, l)
		return
	}
	dispatch.Call(c.queue, c.exec, l.token, func(ctx context.Context) ([]byte, error) {
		return c.previews.LoadPreview(ctx, key)
	}, func(o dispatch.Outcome[[]byte]) {
		if o.Err == nil && len(o.Value) > 0 {
			c.fileLoaded(t, key, o.Value)
			return
		}
		c.startDownload(t, key, l)
	})
}

func (c *Controller) startDownload(t interfaces.ValueType, key interfaces.FileKey, l *loader) {
	ctx, release := l.token.Acquire()
	events := c.downloader.Download(ctx, key)
	c.exec.Go(func() {
		defer release()
		for ev := range events {
			c.queue.Post(func() {
				if !l.token.Alive() {
					return
				}
				c.downloadEvent(t, key, l, ev)
			})
		}
	})
}

func (c *Controller) downloadEvent(t interfaces.ValueType, key interfaces.FileKey, l *loader, ev interfaces.DownloadEvent) {
	switch ev.Kind {
	case interfaces.TransferProgress:
		c.forEachFile(t, key, func(f *File) { f.DownloadOffset = ev.Offset })
		c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: key.ID})
	case interfaces.TransferFailed:
		c.fileLoadFailed(t, key, ev.Err)
	case interfaces.TransferDone:
		f := c.committedFile(t, key)
		if f == nil {
			delete(c.loaders, key)
			return
		}
		secret, hash := f.Secret, f.Hash
		dispatch.Call(c.queue, c.exec, l.token, func(ctx context.Context) ([]byte, error) {
			return cryptoutils.DecryptPayload(ev.Bytes, hash, secret)
		}, func(o dispatch.Outcome[[]byte]) {
			if o.Err != nil {
				c.fileLoadFailed(t, key, fmt.Errorf("%w: %w", interfaces.ErrFileSecretIntegrity, o.Err))
				return
			}
			c.fileLoaded(t, key, o.Value)
			c.storePreview(key, o.Value)
		})
	}
}

func (c *Controller) fileLoaded(t interfaces.ValueType, key interfaces.FileKey, image []byte) {
	delete(c.loaders, key)
	c.forEachFile(t, key, func(f *File) {
		f.Image = image
		f.DownloadOffset = f.Size
	})
	c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: key.ID})
}

// fileLoadFailed marks the file as failed. The value itself is kept.
func (c *Controller) fileLoadFailed(t interfaces.ValueType, key interfaces.FileKey, err error) {
	delete(c.loaders, key)
	c.log.Warn("Failed to load file",
		slog.String("type", t.String()),
		slog.String("file", key.String()),
		"err", err)
	c.forEachFile(t, key, func(f *File) { f.DownloadOffset = downloadFailed })
	c.emit(Event{Kind: EventFileUpdated, Type: t, FileID: key.ID, Message: MessageFileCorrupted, Err: err})
}

func (c *Controller) storePreview(key interfaces.FileKey, image []byte) {
	if c.previews == nil {
		return
	}
	c.exec.Go(func() {
		if err := c.previews.StorePreview(c.ctx, key, image); err != nil {
			c.log.Debug("Preview not cached", slog.String("file", key.String()), "err", err)
		}
	})
}

func (c *Controller) committedFile(t interfaces.ValueType, key interfaces.FileKey) *File {
	v, ok := c.Value(t)
	if !ok {
		return nil
	}
	for i := range v.Files {
		if v.Files[i].Key() == key {
			return &v.Files[i]
		}
	}
	if v.Selfie != nil && v.Selfie.Key() == key {
		return v.Selfie
	}
	return nil
}

// forEachFile visits the committed file with key and its copies in the
// shadow edit state.
func (c *Controller) forEachFile(t interfaces.ValueType, key interfaces.FileKey, fn func(*File)) {
	v, ok := c.Value(t)
	if !ok {
		return
	}
	for i := range v.Files {
		if v.Files[i].Key() == key {
			fn(&v.Files[i])
		}
	}
	if v.Selfie != nil && v.Selfie.Key() == key {
		fn(v.Selfie)
	}
	for _, ef := range v.FilesInEdit {
		if ef.Upload == nil && ef.Key() == key {
			fn(&ef.File)
		}
	}
	if ef := v.SelfieInEdit; ef != nil && ef.Upload == nil && ef.Key() == key {
		fn(&ef.File)
	}
}
