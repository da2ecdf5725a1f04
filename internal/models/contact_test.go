package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitespeed/internal/domainerrors"
)

func strPtr(s string) *string { return &s }

func TestIdentifyRequestUnmarshal(t *testing.T) {
	t.Run("accepts string fields", func(t *testing.T) {
		var req IdentifyRequest
		require.NoError(t, json.Unmarshal([]byte(`{"email":"doc@hillvalley.edu","phoneNumber":"123456"}`), &req))
		assert.Equal(t, "doc@hillvalley.edu", *req.Email)
		assert.Equal(t, "123456", *req.PhoneNumber)
	})

	t.Run("accepts numeric phone number", func(t *testing.T) {
		var req IdentifyRequest
		require.NoError(t, json.Unmarshal([]byte(`{"phoneNumber":123456}`), &req))
		assert.Nil(t, req.Email)
		assert.Equal(t, "123456", *req.PhoneNumber)
	})

	t.Run("null and missing fields are absent", func(t *testing.T) {
		var req IdentifyRequest
		require.NoError(t, json.Unmarshal([]byte(`{"email":null}`), &req))
		assert.Nil(t, req.Email)
		assert.Nil(t, req.PhoneNumber)
	})

	t.Run("rejects objects", func(t *testing.T) {
		var req IdentifyRequest
		assert.Error(t, json.Unmarshal([]byte(`{"email":{"a":1}}`), &req))
	})
}

func TestIdentifyRequestNormalizeValidate(t *testing.T) {
	t.Run("blank values become absent and fail validation", func(t *testing.T) {
		req := IdentifyRequest{Email: strPtr("  "), PhoneNumber: strPtr("")}
		req.Normalize()
		assert.Nil(t, req.Email)
		assert.Nil(t, req.PhoneNumber)
		assert.True(t, domainerrors.HasCode(req.Validate(), domainerrors.CodeValidation))
	})

	t.Run("one identifier is enough", func(t *testing.T) {
		req := IdentifyRequest{Email: strPtr(" marty@hillvalley.edu ")}
		req.Normalize()
		assert.Equal(t, "marty@hillvalley.edu", *req.Email)
		assert.NoError(t, req.Validate())
	})
}

func TestContactOrdering(t *testing.T) {
	now := time.Now()
	older := &Contact{ID: 9, CreatedAt: now.Add(-time.Minute)}
	newer := &Contact{ID: 1, CreatedAt: now}
	tieLow := &Contact{ID: 2, CreatedAt: now}

	assert.True(t, older.Before(newer))
	assert.False(t, newer.Before(older))
	assert.True(t, newer.Before(tieLow))
	assert.False(t, tieLow.Before(newer))
}

func TestContactHasPair(t *testing.T) {
	c := &Contact{Email: strPtr("a@x.com")}

	assert.True(t, c.HasPair(strPtr("a@x.com"), nil))
	assert.False(t, c.HasPair(strPtr("a@x.com"), strPtr("123")))
	assert.False(t, c.HasPair(nil, nil))
}
