package tggl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	// Given
	b := newBackoff()

	// When
	first := b.next()
	second := b.next()
	third := b.next()

	// Then
	assert.Greater(t, second, first, "Second backoff should be greater than the first")
	assert.Greater(t, third, second, "Third backoff should be greater than the second")
}

func TestBackoffIsCapped(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 20; i++ {
		b.next()
	}
	assert.Equal(t, maxBackoff, b.current, "Backoff should not grow past the cap")
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff()
	assert.Greater(t, b.next(), initialBackoff)
	b.reset()
	assert.Equal(t, initialBackoff, b.current, "Reset should return to initial backoff")
}
