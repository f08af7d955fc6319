package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"dispatch-service/pkg/apperr"
)

type signup struct {
	Name  string  `json:"name" validate:"required,min=2,max=200"`
	Phone string  `json:"phone" validate:"phone"`
	Lat   float64 `json:"lat" validate:"latitude"`
}

func TestStruct(t *testing.T) {
	assert.NoError(t, Struct(signup{Name: "Ravi", Phone: "+919876543210", Lat: 12.9}))

	err := Struct(signup{Name: "R", Phone: "0123", Lat: 95})
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
	assert.Contains(t, err.Error(), "name failed min")
	assert.Contains(t, err.Error(), "phone failed phone")
	assert.Contains(t, err.Error(), "lat failed latitude")
}

func TestDecodeJSON(t *testing.T) {
	var s signup
	err := DecodeJSON(strings.NewReader(`{"name":"Asha","phone":"+14155550100","lat":1.5}`), &s)
	assert.NoError(t, err)
	assert.Equal(t, "Asha", s.Name)

	err = DecodeJSON(strings.NewReader(`{not json`), &s)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
