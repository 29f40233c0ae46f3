package kmc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d/pd-role-scheduler/pkg/kmc"
)

func TestNewCopiesInputAndIsValid(t *testing.T) {
	src := []byte("super-secret")
	s := kmc.New(src)
	defer s.Close()

	assert.True(t, s.IsValid())
	assert.Equal(t, len(src), s.Len())
	assert.Equal(t, src, s.Content())

	src[0] = 'X'
	assert.NotEqual(t, src[0], s.Content()[0], "New must copy, not alias, the caller's slice")
}

func TestNewEmptyInputIsInvalid(t *testing.T) {
	s := kmc.New(nil)
	defer s.Close()
	assert.False(t, s.IsValid())
	assert.Equal(t, 0, s.Len())
}

func TestClearWipesAndInvalidates(t *testing.T) {
	s := kmc.New([]byte("rotate-me"))
	s.Clear()

	assert.False(t, s.IsValid())
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Content())
}

func TestClearIsIdempotent(t *testing.T) {
	s := kmc.New([]byte("rotate-me"))
	s.Clear()
	assert.NotPanics(t, func() { s.Clear() })
	assert.False(t, s.IsValid())
}

func TestCloseIsClear(t *testing.T) {
	s := kmc.New([]byte("rotate-me"))
	assert.NoError(t, s.Close())
	assert.False(t, s.IsValid())
}
