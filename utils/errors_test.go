package utils

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/ztrue/tracerr"
	"testing"
)

func TestErrors(t *testing.T) {
	t.Run("VeilError", func(t *testing.T) {
		VeilError1 := NewVeilError("TEST_ERROR_1", "VeilError1")
		VeilError2 := NewVeilError("TEST_ERROR_2", "VeilError2")

		veilError1a := VeilError1.AddDetails("a")
		veilError1b := VeilError1.AddDetails("b")
		veilError2a := VeilError2.AddDetails("a")

		assert.ErrorIs(t, veilError1a, VeilError1)
		assert.ErrorIs(t, veilError1a, veilError1b)
		assert.NotErrorIs(t, veilError1a, VeilError2)
		assert.NotErrorIs(t, veilError1a, veilError2a)

		assert.Equal(t, "TEST_ERROR_1 - VeilError1 : a", veilError1a.Error())
		assert.Equal(t, "TEST_ERROR_1 - VeilError1", VeilError1.Error())

		assert.NotErrorIs(t, veilError1a, errors.New("VeilError1"))

		assert.Panics(t, func() {
			_ = veilError1a.AddDetails("again")
		})

		_ = NewVeilError("TEST_DUPLICATE_ERROR", "duplicate error")
		assert.Panics(t, func() {
			_ = NewVeilError("TEST_DUPLICATE_ERROR", "duplicate error")
		})
	})
	t.Run("wrapped VeilError still matches", func(t *testing.T) {
		base := NewVeilError("TEST_ERROR_WRAPPED", "wrapped")
		err := tracerr.Wrap(base.AddDetails("some details"))
		assert.ErrorIs(t, err, base)
	})
	t.Run("APIError", func(t *testing.T) {
		err := APIError{Status: 409, Code: "CHANNEL_EXISTS", Details: "abc", Method: "POST", Url: "http://host/channels"}
		assert.ErrorIs(t, tracerr.Wrap(err), APIError{Status: 409, Code: "CHANNEL_EXISTS"})
		assert.NotErrorIs(t, err, APIError{Status: 400, Code: "CHANNEL_EXISTS"})
		assert.NotErrorIs(t, err, APIError{Status: 409, Code: "OTHER"})
		assert.Equal(t, "API Error: status: 409; code: CHANNEL_EXISTS; details: abc; URL: http://host/channels; Method: POST", err.Error())

		var apiErr APIError
		assert.ErrorAs(t, tracerr.Wrap(err), &apiErr)
		assert.Equal(t, "abc", apiErr.Details)
	})
}
