package document_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"corpusd/internal/document"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"Plain", "https://example.com/docs", "https://example.com/docs", false},
		{"Uppercase Host", "HTTPS://Example.COM/Docs", "https://example.com/Docs", false},
		{"Trailing Slash", "https://example.com/docs/", "https://example.com/docs", false},
		{"Fragment Stripped", "https://example.com/docs#section-2", "https://example.com/docs", false},
		{"Query Preserved", "https://example.com/search?q=go", "https://example.com/search?q=go", false},
		{"Surrounding Whitespace", "  https://example.com/a  ", "https://example.com/a", false},
		{"Relative", "/just/a/path", "", true},
		{"Empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := document.NormalizeURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentifierDeterminism(t *testing.T) {
	u1, err := document.NormalizeURL("https://example.com/docs/")
	assert.NoError(t, err)
	u2, err := document.NormalizeURL("HTTPS://EXAMPLE.com/docs#intro")
	assert.NoError(t, err)

	// Equivalent URLs converge on one document identity.
	assert.Equal(t, document.ID(u1), document.ID(u2))
	assert.Len(t, document.ID(u1), 64)

	docID := document.ID(u1)
	assert.Equal(t, document.ChunkID(docID, 0), document.ChunkID(docID, 0))
	assert.NotEqual(t, document.ChunkID(docID, 0), document.ChunkID(docID, 1))

	other := document.ID("https://example.com/other")
	assert.NotEqual(t, document.ChunkID(docID, 0), document.ChunkID(other, 0))
}

func TestHashContent(t *testing.T) {
	assert.Equal(t, document.HashContent("same text"), document.HashContent("same text"))
	assert.NotEqual(t, document.HashContent("same text"), document.HashContent("same text."))
}
