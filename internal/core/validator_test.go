package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uplift/internal/types"
)

type sampleRequest struct {
	Title  string `json:"title" validate:"required,max=10"`
	Target string `json:"target" validate:"required,oneof=all users"`
}

func TestValidateStruct_Valid(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateStruct(sampleRequest{Title: "Hi", Target: "all"}))
}

func TestValidateStruct_CollectsAllViolations(t *testing.T) {
	v := NewValidator()
	err := v.ValidateStruct(sampleRequest{Title: "", Target: "segments"})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidField, appErr.Code)
	assert.Equal(t, "is required", appErr.Details["title"])
	assert.Equal(t, "must be one of: all users", appErr.Details["target"])
}

func TestValidateStruct_MaxLength(t *testing.T) {
	v := NewValidator()
	err := v.ValidateStruct(sampleRequest{Title: "way too long for the tag", Target: "all"})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "must be at most 10", appErr.Details["title"])
}
