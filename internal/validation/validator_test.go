package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signUp struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password,omitempty" validate:"required,min=6"`
}

func TestValidateUsesRegisteredMessages(t *testing.T) {
	v := New(map[string]string{
		"username.required": "Provide username.",
		"password.required": "Provide password",
	})

	require.NoError(t, v.Validate(signUp{Username: "ann", Password: "secret"}))

	err := v.Validate(signUp{Password: "secret"})
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "username", fe.Field)
	assert.Equal(t, "Provide username.", fe.Message)

	err = v.Validate(signUp{Username: "ann"})
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "Provide password", err.Error())
}

func TestValidateFallsBackToGenericMessage(t *testing.T) {
	v := New(nil)
	err := v.Validate(signUp{Username: "ann", Password: "abc"})
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "min", fe.Tag)
	assert.Equal(t, "password is invalid", fe.Message)
}
