package requestid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRequestIDEmptyFallsBackToUUID(t *testing.T) {
	id := GenerateRequestID("")
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestGenerateRequestIDSanitizesCallerID(t *testing.T) {
	tests := []struct {
		name     string
		callerID string
		suffix   string
	}{
		{"plain", "trace-123", "trace-123"},
		{"spaces become hyphens", "my trace id", "my-trace-id"},
		{"invalid chars stripped", "tr@ce!#123", "trce123"},
		{"hyphen runs collapse", "a---b", "a-b"},
		{"edge hyphens trimmed", "-abc-", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := GenerateRequestID(tt.callerID)
			parts := strings.SplitN(id, "-", 2)
			require.Len(t, parts, 2)
			assert.Len(t, parts[0], prefixLength)
			assert.Equal(t, tt.suffix, parts[1])
		})
	}
}

func TestGenerateRequestIDAllInvalidFallsBackToUUID(t *testing.T) {
	id := GenerateRequestID("!!!@@@###")
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestGenerateRequestIDCapsLength(t *testing.T) {
	id := GenerateRequestID(strings.Repeat("a", 100))
	assert.LessOrEqual(t, len(id), maxLength)
}

func TestGenerateRequestIDPrefixIsRandom(t *testing.T) {
	a := GenerateRequestID("same-caller-id")
	b := GenerateRequestID("same-caller-id")
	assert.NotEqual(t, a, b)
}
