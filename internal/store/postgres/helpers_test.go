package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFavorites(t *testing.T) {
	assert.Equal(t, []string{"a", "b"},
		ParseFavorites([]byte(`{"favorite_sessions": ["a", "b"], "theme": "dark"}`)))
	assert.Nil(t, ParseFavorites([]byte(`{"theme": "dark"}`)))
	assert.Nil(t, ParseFavorites([]byte(`not json`)))
	assert.Nil(t, ParseFavorites(nil))
}

func TestStoredStateKeyDiffers(t *testing.T) {
	assert.True(t, storedStateKeyDiffers([]byte(`{"state_key": "aaa"}`), "bbb"))
	assert.False(t, storedStateKeyDiffers([]byte(`{"state_key": "aaa"}`), "aaa"))
	assert.False(t, storedStateKeyDiffers([]byte(`{"name": "TodoWrite"}`), "aaa"))
	assert.False(t, storedStateKeyDiffers([]byte(`broken`), "aaa"))
	assert.False(t, storedStateKeyDiffers(nil, "aaa"))
}

func TestTruncateName(t *testing.T) {
	assert.Equal(t, "short", truncateName("short"))

	long := strings.Repeat("é", 250)
	got := truncateName(long)
	assert.Equal(t, 200, len([]rune(got)), "names are capped by rune count, not bytes")

	exact := strings.Repeat("x", 200)
	assert.Equal(t, exact, truncateName(exact))
}

func TestNullableJSON(t *testing.T) {
	assert.Nil(t, nullableJSON(nil))
	assert.Nil(t, nullableJSON([]byte{}))
	assert.Equal(t, []byte(`{}`), nullableJSON([]byte(`{}`)))
}

func TestSanitizeChannel(t *testing.T) {
	assert.Equal(t, `"hook"`, sanitizeChannel("hook"))
	assert.Equal(t, `"se""ss"`, sanitizeChannel(`se"ss`))
}
