package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrorWrapsUnknown(t *testing.T) {
	appErr := FromError(fmt.Errorf("boom"))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.Nil(t, FromError(nil))
}

func TestCloneMatchesTemplate(t *testing.T) {
	cloned := Clone(ErrScopeIncomplete, "class required")
	wrapped := fmt.Errorf("open sheet: %w", cloned)

	assert.True(t, errors.Is(wrapped, ErrScopeIncomplete))
	assert.False(t, errors.Is(wrapped, ErrUpstream))
	assert.Equal(t, "class required", FromError(wrapped).Message)
}

func TestWithDetailsCopies(t *testing.T) {
	withDetails := WithDetails(ErrUnprocessable, map[string]interface{}{"rows": 2})
	assert.Equal(t, 2, withDetails.Details["rows"])
	assert.Nil(t, ErrUnprocessable.Details)
}
