package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_Valid(t *testing.T) {
	tests := []struct {
		name     string
		source   Source
		expected bool
	}{
		{"knowledge", SourceKnowledge, true},
		{"memory", SourceMemory, true},
		{"diary", SourceDiary, true},
		{"empty", Source(""), false},
		{"random", Source("scratchpad"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.source.Valid())
		})
	}
}

func TestNewChunk(t *testing.T) {
	c, err := NewChunk("  The sky is blue  ", SourceMemory, Owner{UserID: "u1"}, []string{"Weather", "weather", " Sky "})
	require.NoError(t, err)
	assert.Equal(t, "The sky is blue", c.Content)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, []string{"weather", "sky"}, c.Tags)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestNewChunk_EmptyContent(t *testing.T) {
	_, err := NewChunk("   ", SourceMemory, Owner{}, nil)
	require.Error(t, err)
}

func TestNewChunk_InvalidSource(t *testing.T) {
	_, err := NewChunk("hello", Source("bogus"), Owner{}, nil)
	require.Error(t, err)
}

func TestMetadata_Validate(t *testing.T) {
	m := Metadata{Importance: 11}
	require.Error(t, m.Validate())

	m = Metadata{Importance: 5, Confidence: 1.5}
	require.Error(t, m.Validate())

	m = Metadata{Importance: 5, Confidence: 0.5}
	require.NoError(t, m.Validate())
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"Work", " deadline ", "work", ""})
	assert.Equal(t, []string{"work", "deadline"}, got)
}

func TestOwner_IsZero(t *testing.T) {
	assert.True(t, Owner{}.IsZero())
	assert.False(t, Owner{UserID: "u"}.IsZero())
}
