package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapsKnownCodes(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeInvalidToken, http.StatusUnauthorized},
		{CodeTokenExpired, http.StatusUnauthorized},
		{CodeSessionRevoked, http.StatusUnauthorized},
		{CodeTokenReuseDetected, http.StatusUnauthorized},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodePayloadTooLarge, http.StatusBadRequest},
		{CodeForbidden, http.StatusForbidden},
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := New(tc.code, "boom")
		assert.Equal(t, tc.want, Status(err))
	}
}

func TestStatusDefaultsToInternalForUnwrappedError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("plain error")))
}

func TestWrapPreservesCauseViaUnwrap(t *testing.T) {
	cause := errors.New("db exploded")
	err := Wrap(CodeInternal, "activity fetch failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "activity fetch failed", err.Error())
}

func TestErrorMessageFallsBackToCode(t *testing.T) {
	err := &Error{Code: CodeNotFound}
	assert.Equal(t, string(CodeNotFound), err.Error())
}

func TestWriteJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(CodeForbidden, "no access"))

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(CodeForbidden), body.Error.Code)
	assert.Equal(t, "no access", body.Error.Message)
}

func TestWriteJSONFallsBackForUntypedError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, errors.New("unexpected"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(CodeInternal), body.Error.Code)
}
