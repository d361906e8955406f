package tggl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	tggl "github.com/tggl-io/tggl-go-client"
)

func TestStaticClientServesFrozenValues(t *testing.T) {
	// Given
	client := tggl.NewStaticClient(map[string]any{
		"checkout_redesign": "premium",
		"new_search":        true,
	})

	// Then
	assert.Equal(t, "premium", client.Get("checkout_redesign", "fallback"))
	assert.Equal(t, true, client.Get("new_search", false))
	assert.Equal(t, "fallback", client.Get("no_such_flag", "fallback"))
}

func TestStaticClientShapeGuard(t *testing.T) {
	client := tggl.NewStaticClient(map[string]any{"checkout_redesign": "premium"})

	assert.Equal(t, 7, client.Get("checkout_redesign", 7))
	assert.Equal(t, "premium", client.Get("checkout_redesign", nil))
}

func TestStaticClientGetAllReturnsACopy(t *testing.T) {
	client := tggl.NewStaticClient(map[string]any{"checkout_redesign": "premium"})

	all := client.GetAll()
	delete(all, "checkout_redesign")

	assert.Equal(t, "premium", client.Get("checkout_redesign", "fallback"))
}

func TestStaticClientCopiesInputMap(t *testing.T) {
	source := map[string]any{"checkout_redesign": "premium"}
	client := tggl.NewStaticClient(source)

	source["checkout_redesign"] = "mutated"

	assert.Equal(t, "premium", client.Get("checkout_redesign", "fallback"))
}
