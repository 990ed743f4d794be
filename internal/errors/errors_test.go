package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = NewStd("sentinel")

func TestBuilderDefaults(t *testing.T) {
	ee := New(errSentinel).Build()

	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.Timestamp.IsZero())
}

func TestEnhancedErrorWrapping(t *testing.T) {
	ee := New(fmt.Errorf("persist failed: %w", errSentinel)).
		Component("reconcile").
		Category(CategoryPersistence).
		Context("image_id", "T1_I1").
		Build()

	wrapped := fmt.Errorf("delete: %w", ee)

	assert.ErrorIs(t, wrapped, errSentinel)
	assert.True(t, IsCategory(wrapped, CategoryPersistence))
	assert.False(t, IsNotFound(wrapped))
	assert.ErrorIs(t, wrapped, &EnhancedError{Category: CategoryPersistence})

	var got *EnhancedError
	require.True(t, As(wrapped, &got))
	assert.Equal(t, "reconcile", got.GetComponent())
	assert.Equal(t, "T1_I1", got.GetContext()["image_id"])
	assert.Equal(t, "[reconcile/persistence] persist failed: sentinel image_id=T1_I1", got.Detail())
}

func TestGetContextReturnsCopy(t *testing.T) {
	ee := New(errSentinel).Context("k", 1).Build()

	ctx := ee.GetContext()
	ctx["k"] = 2

	assert.Equal(t, 1, ee.GetContext()["k"])
	assert.Nil(t, New(errSentinel).Build().GetContext())
}

func TestValidationError(t *testing.T) {
	err := ValidationError("bad box")
	assert.True(t, IsCategory(err, CategoryValidation))
	assert.EqualError(t, err, "bad box")
}
