package passport

import (
	"maps"
	"testing"

	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSaveEncryptedValue(t *testing.T) {
	h := newHarness(t)
	pd, secret := sealValue(t, h.master, interfaces.PersonalDetails, personalDetails())
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.PersonalDetails},
		Values:        []interfaces.SecureValue{pd},
	})
	h.unlock()

	var sent interfaces.InputSecureValue
	h.remote.On("SaveSecureValue", mock.Anything, mock.Anything, cryptoutils.SecretID(h.master)).
		Run(func(args mock.Arguments) {
			sent = args.Get(1).(interfaces.InputSecureValue)
		}).
		Return(echoValue, nil).Once()

	require.NoError(t, h.c.StartEdit(interfaces.PersonalDetails))
	v := h.value(interfaces.PersonalDetails)
	require.True(t, v.Editing())
	assert.Equal(t, personalDetails(), v.FieldsInEdit)

	fields := personalDetails()
	fields["last_name"] = "King"
	require.NoError(t, h.c.SaveEdit(interfaces.PersonalDetails, fields))
	assert.True(t, v.Saving())
	h.queue.Drain()

	require.NotNil(t, sent.Data)
	assert.False(t, sent.HasFiles)

	// The data secret is reused, so the sent payload opens with it.
	plaintext, err := cryptoutils.DecryptPayload(sent.Data.Data, sent.Data.DataHash, secret)
	require.NoError(t, err)
	decoded, err := cryptoutils.DeserializeFields(plaintext)
	require.NoError(t, err)
	assert.Equal(t, fields, decoded)

	assert.False(t, v.Saving())
	assert.False(t, v.Editing())
	assert.Equal(t, fields, v.Fields())
	assert.Equal(t, secret, v.Data.Secret)
	assert.Equal(t, []byte("saved-personal_details"), v.Hash)
	assert.True(t, h.saw(EventSaveFinished))
}

func TestSaveUnchangedIsNoop(t *testing.T) {
	h := newHarness(t)
	pd, _ := sealValue(t, h.master, interfaces.PersonalDetails, personalDetails())
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.PersonalDetails},
		Values:        []interfaces.SecureValue{pd},
	})
	h.unlock()

	require.NoError(t, h.c.StartEdit(interfaces.PersonalDetails))
	changed, err := h.c.Changed(interfaces.PersonalDetails, personalDetails())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, h.c.SaveEdit(interfaces.PersonalDetails, personalDetails()))
	h.queue.Drain()

	assert.True(t, h.saw(EventSaveFinished))
	assert.False(t, h.value(interfaces.PersonalDetails).Editing())
	h.remote.AssertNotCalled(t, "SaveSecureValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestSaveTwiceSendsOnce(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Address}})
	h.unlock()
	h.remote.On("SaveSecureValue", mock.Anything, mock.Anything, mock.Anything).Return(echoValue, nil).Once()

	fields := map[string]string{"street_line1": "1 Main St", "city": "London", "country_code": "GB", "post_code": "N1"}
	require.NoError(t, h.c.StartEdit(interfaces.Address))
	require.NoError(t, h.c.SaveEdit(interfaces.Address, fields))
	require.NoError(t, h.c.SaveEdit(interfaces.Address, fields))
	h.queue.Drain()

	h.remote.AssertNumberOfCalls(t, "SaveSecureValue", 1)
	assert.Len(t, h.eventsOf(EventSaveFinished), 1)
	assert.Equal(t, fields, h.value(interfaces.Address).Fields())
}

func TestSaveWaitsForSecret(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Address}})
	h.remote.On("SaveSecureValue", mock.Anything, mock.Anything, cryptoutils.SecretID(h.master)).Return(echoValue, nil).Once()

	fields := map[string]string{"city": "Paris"}
	require.NoError(t, h.c.SaveEdit(interfaces.Address, fields))
	h.queue.Drain()
	h.remote.AssertNotCalled(t, "SaveSecureValue", mock.Anything, mock.Anything, mock.Anything)
	assert.True(t, h.value(interfaces.Address).Saving())

	h.unlock()

	h.remote.AssertNumberOfCalls(t, "SaveSecureValue", 1)
	assert.Equal(t, fields, h.value(interfaces.Address).Fields())
}

func TestSaveEmptyFieldsDeletesValue(t *testing.T) {
	h := newHarness(t)
	pd, _ := sealValue(t, h.master, interfaces.PersonalDetails, personalDetails())
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.PersonalDetails},
		Values:        []interfaces.SecureValue{pd},
	})
	h.unlock()
	h.remote.On("DeleteSecureValue", mock.Anything, []interfaces.ValueType{interfaces.PersonalDetails}).Return(nil).Once()

	empty := maps.Clone(personalDetails())
	for key := range empty {
		empty[key] = ""
	}
	require.NoError(t, h.c.StartEdit(interfaces.PersonalDetails))
	require.NoError(t, h.c.SaveEdit(interfaces.PersonalDetails, empty))
	h.queue.Drain()

	v := h.value(interfaces.PersonalDetails)
	assert.True(t, v.Empty())
	// The open editor keeps a fresh shadow copy of the empty value.
	assert.True(t, v.Editing())
	assert.Empty(t, v.FieldsInEdit)
	assert.True(t, h.saw(EventSaveFinished))
	h.remote.AssertNotCalled(t, "SaveSecureValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteFailureKeepsValue(t *testing.T) {
	h := newHarness(t)
	pd, _ := sealValue(t, h.master, interfaces.PersonalDetails, personalDetails())
	h.start(&interfaces.AuthorizationForm{
		RequiredTypes: []interfaces.ValueType{interfaces.PersonalDetails},
		Values:        []interfaces.SecureValue{pd},
	})
	h.unlock()
	h.remote.On("DeleteSecureValue", mock.Anything, mock.Anything).
		Return(&interfaces.RPCError{Code: 420, Type: "FLOOD_WAIT_30"}).Once()

	require.NoError(t, h.c.DeleteEdit(interfaces.PersonalDetails))
	h.queue.Drain()

	v := h.value(interfaces.PersonalDetails)
	assert.False(t, v.Empty())
	assert.False(t, v.Saving())
	assert.Equal(t, MessageFlood, v.Error)
	assert.Equal(t, personalDetails(), v.Fields())

	errs := h.eventsOf(EventValueError)
	require.Len(t, errs, 1)
	assert.Equal(t, interfaces.PersonalDetails, errs[0].Type)
}

func TestSaveFailureReportsError(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Address}})
	h.unlock()
	h.remote.On("SaveSecureValue", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &interfaces.RPCError{Code: 400, Type: interfaces.ErrTypeValueInvalid}).Once()

	require.NoError(t, h.c.StartEdit(interfaces.Address))
	require.NoError(t, h.c.SaveEdit(interfaces.Address, map[string]string{"city": "Rome"}))
	h.queue.Drain()

	v := h.value(interfaces.Address)
	assert.Equal(t, "Server error: SECURE_VALUE_INVALID", v.Error)
	assert.True(t, v.Empty())
	// The edit stays open so the user can retry.
	assert.True(t, v.Editing())
	assert.False(t, h.saw(EventSaveFinished))
}

func TestFailureAfterEditorClosedDropsShadowCopy(t *testing.T) {
	t.Run("save", func(t *testing.T) {
		h := newHarness(t)
		h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Address}})
		h.unlock()
		h.remote.On("SaveSecureValue", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &interfaces.RPCError{Code: 400, Type: interfaces.ErrTypeValueInvalid}).Once()

		require.NoError(t, h.c.StartEdit(interfaces.Address))
		require.NoError(t, h.c.SaveEdit(interfaces.Address, map[string]string{"city": "Rome"}))
		require.NoError(t, h.c.CancelEdit(interfaces.Address))
		v := h.value(interfaces.Address)
		require.True(t, v.Editing(), "discard waits for the running save")

		h.queue.Drain()
		assert.False(t, v.Editing())
		assert.Nil(t, v.FieldsInEdit)

		require.NoError(t, h.c.StartEdit(interfaces.Address))
		assert.True(t, v.Empty())
		assert.Empty(t, v.FieldsInEdit)
	})

	t.Run("delete", func(t *testing.T) {
		h := newHarness(t)
		pd, _ := sealValue(t, h.master, interfaces.PersonalDetails, personalDetails())
		h.start(&interfaces.AuthorizationForm{
			RequiredTypes: []interfaces.ValueType{interfaces.PersonalDetails},
			Values:        []interfaces.SecureValue{pd},
		})
		h.unlock()
		h.remote.On("DeleteSecureValue", mock.Anything, mock.Anything).
			Return(&interfaces.RPCError{Code: 420, Type: "FLOOD_WAIT_30"}).Once()

		require.NoError(t, h.c.StartEdit(interfaces.PersonalDetails))
		v := h.value(interfaces.PersonalDetails)
		v.FieldsInEdit["first_name"] = "Edited"
		require.NoError(t, h.c.DeleteEdit(interfaces.PersonalDetails))
		require.NoError(t, h.c.CancelEdit(interfaces.PersonalDetails))
		h.queue.Drain()

		assert.False(t, v.Editing())
		require.NoError(t, h.c.StartEdit(interfaces.PersonalDetails))
		assert.Equal(t, personalDetails(), v.FieldsInEdit)
	})
}

func TestNestedEditSessions(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Address}})

	require.NoError(t, h.c.StartEdit(interfaces.Address))
	v := h.value(interfaces.Address)
	v.FieldsInEdit["city"] = "Oslo"

	// A nested session does not reseed the shadow copy.
	require.NoError(t, h.c.StartEdit(interfaces.Address))
	assert.Equal(t, "Oslo", v.FieldsInEdit["city"])

	require.NoError(t, h.c.CancelEdit(interfaces.Address))
	assert.True(t, v.Editing())
	require.NoError(t, h.c.CancelEdit(interfaces.Address))
	assert.False(t, v.Editing())
	assert.Nil(t, v.FieldsInEdit)

	assert.ErrorIs(t, h.c.StartEdit(interfaces.Email), interfaces.ErrNoValue)
}

func TestPlainValueSave(t *testing.T) {
	h := newHarness(t)
	h.start(&interfaces.AuthorizationForm{RequiredTypes: []interfaces.ValueType{interfaces.Email}})
	h.remote.On("SaveSecureValue", mock.Anything,
		interfaces.InputSecureValue{Type: interfaces.Email, Plain: &interfaces.PlainData{Email: "ada@example.com"}},
		uint64(0)).
		Return(echoValue, nil).Once()

	require.NoError(t, h.c.SaveEdit(interfaces.Email, map[string]string{"value": "  ada@example.com "}))
	h.queue.Drain()

	v := h.value(interfaces.Email)
	assert.Equal(t, "ada@example.com", v.Plain)
	assert.NotEmpty(t, v.Hash)
	h.remote.AssertExpectations(t)
}
