package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestNewStoreErrorMarksTransientCausesRetryable(t *testing.T) {
	err := NewStoreError(KindUpload, "upload timed out", fmt.Errorf("put object: %w", timeoutErr{}))
	require.True(t, err.Retryable)

	err = NewStoreError(KindPersist, "constraint", errors.New("duplicate key"))
	require.False(t, err.Retryable)

	err = NewStoreError(KindPersist, "deadline", context.DeadlineExceeded)
	require.True(t, err.Retryable)
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	base := NewError(KindDecode, "corrupt image", errors.New("unexpected EOF"))
	wrapped := fmt.Errorf("submit: %w", base)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindDecode, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestDomainLabelsAreDisjointCopies(t *testing.T) {
	burn := DomainBurn.Labels()
	burn[0] = "mutated"
	assert.Equal(t, "Mild Burn", DomainBurn.Labels()[0])

	assert.True(t, DomainWound.HasLabel("Stab wound"))
	assert.False(t, DomainWound.HasLabel("Moderate Burn"))
	assert.False(t, DomainBurn.HasLabel("Burns"))
	assert.Len(t, DomainWound.Labels(), 7)
	assert.Equal(t, "wound-images", DomainWound.Namespace())

	_, err := ParseDomain("fracture")
	assert.Error(t, err)
}
