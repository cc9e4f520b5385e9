package document

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	StatusPending  = "pending"
	StatusIngested = "ingested"
	StatusFailed   = "failed"
)

var ErrNotFound = errors.New("document not found")

// Document is the canonical record for one ingested source URL. The document
// store is the source of truth for existence and lifecycle; vectors for a
// document that is not StatusIngested are never surfaced by retrieval.
type Document struct {
	ID          string    `json:"id"`
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title"`
	Headings    []string  `json:"headings,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	ContentHash string    `json:"-"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Chunk struct {
	ID               string `json:"id"`
	DocumentID       string `json:"document_id"`
	SequenceIndex    int    `json:"sequence_index"`
	Text             string `json:"text"`
	TokenCount       int    `json:"token_count"`
	EmbeddingVersion string `json:"embedding_version"`
}

// HydratedChunk joins a chunk with its owning document's metadata for
// retrieval results.
type HydratedChunk struct {
	Chunk
	SourceURL string    `json:"source_url"`
	Title     string    `json:"title"`
	FetchedAt time.Time `json:"fetched_at"`
}

// NormalizeURL canonicalizes a source URL so the same page always produces
// the same document identifier: lowercased scheme and host, no fragment, no
// trailing slash on the path.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// ID derives the stable document identifier from a normalized source URL.
// The format must stay fixed across versions; re-ingestion idempotency
// depends on it.
func ID(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return fmt.Sprintf("%x", sum)
}

// ChunkID derives the stable chunk identifier from the owning document and
// the chunk's position, so re-ingestion overwrites rather than duplicates.
func ChunkID(documentID string, sequenceIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", documentID, sequenceIndex)))
	return fmt.Sprintf("%x", sum)
}

// HashContent fingerprints normalized document text for change detection.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}
