package passport

import (
	"fmt"
	"testing"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestUploadScanAndSave(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Passport}})
	h.unlock()

	require.NoError(t, h.c.StartEdit(interfaces.Passport))
	content := []byte("passport scan bytes")
	id, err := h.c.UploadScan(interfaces.Passport, content)
	require.NoError(t, err)
	v := h.value(interfaces.Passport)
	settled, _ := v.UploadsSettled()
	assert.False(t, settled)
	h.queue.Drain()

	settled, failed := v.UploadsSettled()
	assert.True(t, settled)
	assert.False(t, failed)
	ef := v.editFile(id)
	require.NotNil(t, ef)
	require.True(t, ef.Upload.Done)
	assert.False(t, ef.Upload.Failed)
	assert.Equal(t, fmt.Sprintf("manifest-%d", id), ef.Location)
	assert.Equal(t, 1, ef.Upload.PartsCount)
	require.NotEmpty(t, ef.EncryptedSecret)

	// Only ciphertext leaves the controller.
	require.Equal(t, 1, h.uploader.count())
	req := h.uploader.requests[0]
	assert.Equal(t, id, req.FileID)
	assert.Equal(t, cryptoutils.Checksum(req.Bytes), req.Checksum)
	plaintext, err := cryptoutils.DecryptPayload(req.Bytes, ef.Hash, ef.Secret)
	require.NoError(t, err)
	assert.Equal(t, content, plaintext)

	var sent interfaces.InputSecureValue
	h.remote.On("SaveSecureValue", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			sent = args.Get(1).(interfaces.InputSecureValue)
		}).
		Return(echoValue, nil).Once()

	require.NoError(t, h.c.SaveEdit(interfaces.Passport, map[string]string{"document_no": "P123"}))
	h.queue.Drain()

	assert.True(t, sent.HasFiles)
	require.Len(t, sent.Files, 1)
	assert.True(t, sent.Files[0].Uploaded)
	assert.Equal(t, id, sent.Files[0].ID)
	assert.Equal(t, ef.Hash, sent.Files[0].FileHash)
	assert.Nil(t, sent.Selfie)

	require.Len(t, v.Files, 1)
	saved := v.Files[0]
	assert.Equal(t, content, saved.Image, "preview carries over by file hash")
	assert.Equal(t, saved.Size, saved.DownloadOffset)
	assert.Equal(t, ef.Secret, saved.Secret)
	assert.Equal(t, "P123", v.Fields()["document_no"])
}

func TestUploadScanGuards(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Passport}})

	_, err := h.c.UploadScan(interfaces.Passport, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrNotEditing)
	_, err = h.c.UploadScan(interfaces.PersonalDetails, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrNotDocument)
	_, err = h.c.UploadSelfie(interfaces.Passport, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrNotDocument, "selfie not requested")

	require.NoError(t, h.c.StartEdit(interfaces.Passport))
	var ids []uint64
	for i := 0; i < MaxScans; i++ {
		id, err := h.c.UploadScan(interfaces.Passport, []byte{byte(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err = h.c.UploadScan(interfaces.Passport, []byte("one too many"))
	assert.ErrorIs(t, err, interfaces.ErrScansLimitReached)

	// Deleted scans free their slot until restored.
	require.NoError(t, h.c.DeleteScan(interfaces.Passport, ids[0]))
	_, err = h.c.UploadScan(interfaces.Passport, []byte("replacement"))
	require.NoError(t, err)
	assert.ErrorIs(t, h.c.RestoreScan(interfaces.Passport, ids[0]), interfaces.ErrScansLimitReached)

	assert.ErrorIs(t, h.c.DeleteScan(interfaces.Passport, 12345), interfaces.ErrNoSuchFile)
	require.NoError(t, h.c.CancelEdit(interfaces.Passport))
}

func TestSaveBlockedByUnfinishedUpload(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.UtilityBill}})
	h.unlock()

	require.NoError(t, h.c.StartEdit(interfaces.UtilityBill))
	_, err := h.c.UploadScan(interfaces.UtilityBill, []byte("bill"))
	require.NoError(t, err)

	// Encryption finished but the upload has not started yet.
	assert.ErrorIs(t, h.c.SaveEdit(interfaces.UtilityBill, nil), interfaces.ErrUploadInProgress)

	h.uploader.fail = true
	h.queue.Drain()
	_, failed := h.value(interfaces.UtilityBill).UploadsSettled()
	assert.True(t, failed)
	assert.ErrorIs(t, h.c.SaveEdit(interfaces.UtilityBill, nil), interfaces.ErrUploadInProgress)
	h.remote.AssertNotCalled(t, "SaveSecureValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestCancelEditDuringEncryption(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Passport}})
	h.unlock()

	require.NoError(t, h.c.StartEdit(interfaces.Passport))
	_, err := h.c.UploadScan(interfaces.Passport, []byte("scan"))
	require.NoError(t, err)

	require.NoError(t, h.c.CancelEdit(interfaces.Passport))
	h.queue.Drain()

	assert.Zero(t, h.uploader.count(), "cancelled encryption must not start an upload")
	assert.False(t, h.value(interfaces.Passport).Editing())
}

func TestDeleteAndRestoreScan(t *testing.T) {
	h := newHarness(t)
	file, ciphertext, _ := sealFile(t, h.master, 7, []byte("scan"))
	pp, _ := sealValue(t, h.master, interfaces.Passport, map[string]string{"document_no": "P1"})
	pp.Files = []interfaces.SecureFile{file}
	h.downloader.files[interfaces.FileKey{Location: file.Location, ID: file.ID}] = ciphertext
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.Passport},
		Values:        []interfaces.SecureValue{pp},
	})
	h.unlock()

	require.NoError(t, h.c.StartEdit(interfaces.Passport))
	h.queue.Drain()
	v := h.value(interfaces.Passport)
	require.Len(t, v.FilesInEdit, 1)
	assert.Equal(t, []byte("scan"), v.FilesInEdit[0].Image, "opening the editor loads committed scans")

	require.NoError(t, h.c.DeleteScan(interfaces.Passport, 7))
	changed, err := h.c.Changed(interfaces.Passport, v.Fields())
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, h.c.RestoreScan(interfaces.Passport, 7))
	changed, err = h.c.Changed(interfaces.Passport, v.Fields())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLoadScanSharesDownload(t *testing.T) {
	h := newHarness(t)
	file, ciphertext, secret := sealFile(t, h.master, 7, []byte("scan content"))
	pp, _ := sealValue(t, h.master, interfaces.Passport, map[string]string{"document_no": "P1"})
	pp.Files = []interfaces.SecureFile{file}
	h.downloader.files[interfaces.FileKey{Location: file.Location, ID: file.ID}] = ciphertext
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.Passport},
		Values:        []interfaces.SecureValue{pp},
	})
	h.unlock()

	v := h.value(interfaces.Passport)
	assert.Equal(t, secret, v.Files[0].Secret)

	require.NoError(t, h.c.LoadScan(interfaces.Passport, 7))
	require.NoError(t, h.c.LoadScan(interfaces.Passport, 7))
	h.queue.Drain()

	assert.Equal(t, 1, h.downloader.calls)
	assert.Equal(t, []byte("scan content"), v.Files[0].Image)
	assert.Equal(t, v.Files[0].Size, v.Files[0].DownloadOffset)

	require.NoError(t, h.c.LoadScan(interfaces.Passport, 7))
	h.queue.Drain()
	assert.Equal(t, 1, h.downloader.calls, "loaded scans are not downloaded again")

	assert.ErrorIs(t, h.c.LoadScan(interfaces.Passport, 8), interfaces.ErrNoSuchFile)
	assert.ErrorIs(t, h.c.LoadSelfie(interfaces.Passport), interfaces.ErrNoSuchFile)
}

func TestLoadScanBeforeUnlockWaits(t *testing.T) {
	h := newHarness(t)
	file, ciphertext, _ := sealFile(t, h.master, 9, []byte("early"))
	pp, _ := sealValue(t, h.master, interfaces.Passport, map[string]string{"document_no": "P1"})
	pp.Files = []interfaces.SecureFile{file}
	h.downloader.files[interfaces.FileKey{Location: file.Location, ID: file.ID}] = ciphertext
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.Passport},
		Values:        []interfaces.SecureValue{pp},
	})

	require.NoError(t, h.c.LoadScan(interfaces.Passport, 9))
	h.queue.Drain()
	assert.Zero(t, h.downloader.calls)

	h.unlock()
	assert.Equal(t, 1, h.downloader.calls)
	assert.Equal(t, []byte("early"), h.value(interfaces.Passport).Files[0].Image)
}

func TestLoadCorruptedScanMarksFileFailed(t *testing.T) {
	h := newHarness(t)
	file, ciphertext, _ := sealFile(t, h.master, 7, []byte("scan content"))
	pp, _ := sealValue(t, h.master, interfaces.Passport, map[string]string{"document_no": "P1"})
	pp.Files = []interfaces.SecureFile{file}
	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xff
	h.downloader.files[interfaces.FileKey{Location: file.Location, ID: file.ID}] = tampered
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.Passport},
		Values:        []interfaces.SecureValue{pp},
	})
	h.unlock()

	require.NoError(t, h.c.LoadScan(interfaces.Passport, 7))
	h.queue.Drain()

	v := h.value(interfaces.Passport)
	assert.Equal(t, int64(downloadFailed), v.Files[0].DownloadOffset)
	assert.Nil(t, v.Files[0].Image)
	assert.False(t, v.Empty(), "a broken file does not reset its value")

	var corrupted []Event
	for _, ev := range h.eventsOf(EventFileUpdated) {
		if ev.Message == MessageFileCorrupted {
			corrupted = append(corrupted, ev)
		}
	}
	require.Len(t, corrupted, 1)
	assert.ErrorIs(t, corrupted[0].Err, interfaces.ErrFileSecretIntegrity)
}

func TestLoadScanUsesPreviewCache(t *testing.T) {
	previews := &memPreviews{previews: make(map[interfaces.FileKey][]byte)}
	h := newHarnessWithPreviews(t, previews)
	file, ciphertext, _ := sealFile(t, h.master, 7, []byte("from network"))
	key := interfaces.FileKey{Location: file.Location, ID: file.ID}
	pp, _ := sealValue(t, h.master, interfaces.Passport, map[string]string{"document_no": "P1"})
	pp.Files = []interfaces.SecureFile{file}
	h.downloader.files[key] = ciphertext
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.Passport},
		Values:        []interfaces.SecureValue{pp},
	})
	h.unlock()

	require.NoError(t, h.c.LoadScan(interfaces.Passport, 7))
	h.queue.Drain()
	assert.Equal(t, 1, h.downloader.calls)
	assert.Equal(t, []byte("from network"), previews.previews[key], "decrypted scans are cached")

	// A fresh flow finds the preview locally.
	h2 := newHarnessWithPreviews(t, previews)
	h2.master = h.master
	h2.downloader.files[key] = ciphertext
	h2.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.Passport},
		Values:        []interfaces.SecureValue{pp},
	})
	h2.unlock()

	require.NoError(t, h2.c.LoadScan(interfaces.Passport, 7))
	h2.queue.Drain()
	assert.Zero(t, h2.downloader.calls)
	assert.Equal(t, []byte("from network"), h2.value(interfaces.Passport).Files[0].Image)
}
