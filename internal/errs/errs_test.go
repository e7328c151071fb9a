package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKinds(t *testing.T) {
	err := Ignorablef("received garbage: %v", map[string]string{"x": "y"})
	assert.True(t, errors.Is(err, ErrIgnorable))
	assert.False(t, errors.Is(err, ErrProcessing))
	assert.Equal(t, "ignorable", Kind(err))
	assert.Contains(t, err.Error(), "received garbage")

	assert.Equal(t, "processing", Kind(Processingf("unusable payload")))
	assert.Equal(t, "transient", Kind(Transientf("status %d", 503)))
	assert.Equal(t, "data", Kind(Dataf("orcid missing from doc")))
	assert.Equal(t, "unknown", Kind(errors.New("plain")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("fetching profile: %w", Transientf("status %d", 502))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, "transient", Kind(err))
}
