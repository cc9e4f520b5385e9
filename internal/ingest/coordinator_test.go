package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"corpusd/internal/document"
	"corpusd/internal/ingest"
)

type MockFetcher struct{ mock.Mock }

func (m *MockFetcher) Fetch(ctx context.Context, url string) (*ingest.FetchedContent, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingest.FetchedContent), args.Error(1)
}

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *MockEmbedder) Version() string {
	return m.Called().String(0)
}

// orderedStore records the order of cross-store writes so tests can assert
// the commit protocol.
type orderedStore struct {
	mock.Mock
	mu    sync.Mutex
	order *[]string
}

func (m *orderedStore) record(event string) {
	if m.order == nil {
		return
	}
	m.mu.Lock()
	*m.order = append(*m.order, event)
	m.mu.Unlock()
}

func (m *orderedStore) Get(ctx context.Context, id string) (*document.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *orderedStore) Upsert(ctx context.Context, d *document.Document) error {
	m.record("upsert:" + d.Status)
	return m.Called(ctx, d).Error(0)
}

func (m *orderedStore) UpdateStatus(ctx context.Context, id, status string) error {
	m.record("status:" + status)
	return m.Called(ctx, id, status).Error(0)
}

func (m *orderedStore) CommitIngestion(ctx context.Context, d *document.Document, chunks []document.Chunk) error {
	m.record("commit")
	return m.Called(ctx, d, chunks).Error(0)
}

type orderedIndex struct {
	mock.Mock
	store *orderedStore
}

func (m *orderedIndex) UpsertChunks(ctx context.Context, chunks []ingest.EmbeddedChunk) error {
	if m.store != nil {
		m.store.record("vector-upsert")
	}
	return m.Called(ctx, chunks).Error(0)
}

func (m *orderedIndex) DeleteStale(ctx context.Context, documentID string, keepBelow int) error {
	if m.store != nil {
		m.store.record("vector-delete-stale")
	}
	return m.Called(ctx, documentID, keepBelow).Error(0)
}

const testURL = "https://example.com/guide"

var testContent = &ingest.FetchedContent{
	URL:       testURL,
	Title:     "Guide",
	Text:      "A short guide to testing.",
	FetchedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
}

func newCoordinator(f *MockFetcher, e *MockEmbedder, s *orderedStore, v *orderedIndex) *ingest.Coordinator {
	return ingest.NewCoordinator(f, e, s, v, ingest.Config{MaxTokens: 512, OverlapTokens: 0})
}

func TestCoordinator_Ingest_NewDocument(t *testing.T) {
	var order []string
	f := new(MockFetcher)
	e := new(MockEmbedder)
	s := &orderedStore{order: &order}
	v := &orderedIndex{store: s}

	docID := document.ID(testURL)

	s.On("Get", mock.Anything, docID).Return(nil, document.ErrNotFound)
	f.On("Fetch", mock.Anything, testURL).Return(testContent, nil)
	s.On("Upsert", mock.Anything, mock.MatchedBy(func(d *document.Document) bool {
		return d.Status == document.StatusPending && d.ID == docID
	})).Return(nil)
	e.On("EmbedBatch", mock.Anything, mock.Anything).Return([][]float32{{0.1, 0.2}}, nil)
	e.On("Version").Return("gemini-embedding-001:768")
	v.On("UpsertChunks", mock.Anything, mock.MatchedBy(func(chunks []ingest.EmbeddedChunk) bool {
		return len(chunks) == 1 && chunks[0].SourceHost == "example.com"
	})).Return(nil)
	v.On("DeleteStale", mock.Anything, docID, 1).Return(nil)
	s.On("CommitIngestion", mock.Anything, mock.MatchedBy(func(d *document.Document) bool {
		return d.Status == document.StatusIngested && d.ContentHash != ""
	}), mock.Anything).Return(nil)

	outcome, err := newCoordinator(f, e, s, v).Ingest(context.Background(), testURL)
	assert.NoError(t, err)
	assert.Equal(t, docID, outcome.DocumentID)
	assert.Equal(t, document.StatusIngested, outcome.Status)
	assert.Equal(t, 1, outcome.ChunkCount)
	assert.False(t, outcome.Unchanged)

	// Vector writes must land before the document store commit.
	assert.Equal(t, []string{"upsert:pending", "vector-upsert", "vector-delete-stale", "commit"}, order)
	s.AssertExpectations(t)
	v.AssertExpectations(t)
}

func TestCoordinator_Ingest_UnchangedContentIsNoOp(t *testing.T) {
	f := new(MockFetcher)
	e := new(MockEmbedder)
	s := &orderedStore{}
	v := &orderedIndex{}

	docID := document.ID(testURL)
	s.On("Get", mock.Anything, docID).Return(&document.Document{
		ID:          docID,
		SourceURL:   testURL,
		Status:      document.StatusIngested,
		ContentHash: document.HashContent(testContent.Text),
	}, nil)
	f.On("Fetch", mock.Anything, testURL).Return(testContent, nil)

	outcome, err := newCoordinator(f, e, s, v).Ingest(context.Background(), testURL)
	assert.NoError(t, err)
	assert.True(t, outcome.Unchanged)
	assert.Equal(t, document.StatusIngested, outcome.Status)

	e.AssertNotCalled(t, "EmbedBatch", mock.Anything, mock.Anything)
	v.AssertNotCalled(t, "UpsertChunks", mock.Anything, mock.Anything)
	s.AssertNotCalled(t, "CommitIngestion", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Ingest_ChangedContentReplacesChunks(t *testing.T) {
	f := new(MockFetcher)
	e := new(MockEmbedder)
	s := &orderedStore{}
	v := &orderedIndex{}

	docID := document.ID(testURL)
	s.On("Get", mock.Anything, docID).Return(&document.Document{
		ID:          docID,
		SourceURL:   testURL,
		Status:      document.StatusIngested,
		ContentHash: "old-hash",
	}, nil)
	f.On("Fetch", mock.Anything, testURL).Return(testContent, nil)
	e.On("EmbedBatch", mock.Anything, mock.Anything).Return([][]float32{{0.5}}, nil)
	e.On("Version").Return("gemini-embedding-001:768")
	v.On("UpsertChunks", mock.Anything, mock.Anything).Return(nil)
	v.On("DeleteStale", mock.Anything, docID, 1).Return(nil)
	s.On("CommitIngestion", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	outcome, err := newCoordinator(f, e, s, v).Ingest(context.Background(), testURL)
	assert.NoError(t, err)
	assert.False(t, outcome.Unchanged)

	// An existing document is not reset to pending mid-cycle.
	s.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	v.AssertCalled(t, "DeleteStale", mock.Anything, docID, 1)
}

func TestCoordinator_Ingest_FetchFailureMarksFailed(t *testing.T) {
	f := new(MockFetcher)
	e := new(MockEmbedder)
	s := &orderedStore{}
	v := &orderedIndex{}

	docID := document.ID(testURL)
	s.On("Get", mock.Anything, docID).Return(&document.Document{
		ID:     docID,
		Status: document.StatusPending,
	}, nil)
	f.On("Fetch", mock.Anything, testURL).Return(nil, errors.New("connection refused"))
	s.On("UpdateStatus", mock.Anything, docID, document.StatusFailed).Return(nil)

	_, err := newCoordinator(f, e, s, v).Ingest(context.Background(), testURL)
	assert.Error(t, err)
	s.AssertCalled(t, "UpdateStatus", mock.Anything, docID, document.StatusFailed)
}

func TestCoordinator_Ingest_EmbedFailureMarksFailed(t *testing.T) {
	f := new(MockFetcher)
	e := new(MockEmbedder)
	s := &orderedStore{}
	v := &orderedIndex{}

	docID := document.ID(testURL)
	s.On("Get", mock.Anything, docID).Return(nil, document.ErrNotFound)
	f.On("Fetch", mock.Anything, testURL).Return(testContent, nil)
	s.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	e.On("EmbedBatch", mock.Anything, mock.Anything).Return(nil, errors.New("quota exhausted"))
	s.On("UpdateStatus", mock.Anything, docID, document.StatusFailed).Return(nil)

	_, err := newCoordinator(f, e, s, v).Ingest(context.Background(), testURL)
	assert.ErrorIs(t, err, ingest.ErrEmbedding)

	v.AssertNotCalled(t, "UpsertChunks", mock.Anything, mock.Anything)
	s.AssertNotCalled(t, "CommitIngestion", mock.Anything, mock.Anything, mock.Anything)
	s.AssertCalled(t, "UpdateStatus", mock.Anything, docID, document.StatusFailed)
}

func TestCoordinator_Ingest_VectorFailureKeepsPriorIngested(t *testing.T) {
	f := new(MockFetcher)
	e := new(MockEmbedder)
	s := &orderedStore{}
	v := &orderedIndex{}

	docID := document.ID(testURL)
	s.On("Get", mock.Anything, docID).Return(&document.Document{
		ID:          docID,
		Status:      document.StatusIngested,
		ContentHash: "old-hash",
	}, nil)
	f.On("Fetch", mock.Anything, testURL).Return(testContent, nil)
	e.On("EmbedBatch", mock.Anything, mock.Anything).Return([][]float32{{0.5}}, nil)
	e.On("Version").Return("gemini-embedding-001:768")
	v.On("UpsertChunks", mock.Anything, mock.Anything).Return(errors.New("weaviate unavailable"))

	_, err := newCoordinator(f, e, s, v).Ingest(context.Background(), testURL)
	assert.ErrorIs(t, err, ingest.ErrStoreWrite)

	// The committed prior cycle stays visible.
	s.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Ingest_EmptyContentCommitsZeroChunks(t *testing.T) {
	f := new(MockFetcher)
	e := new(MockEmbedder)
	s := &orderedStore{}
	v := &orderedIndex{}

	docID := document.ID(testURL)
	empty := &ingest.FetchedContent{URL: testURL, Title: "Blank", Text: "", FetchedAt: testContent.FetchedAt}

	s.On("Get", mock.Anything, docID).Return(nil, document.ErrNotFound)
	f.On("Fetch", mock.Anything, testURL).Return(empty, nil)
	s.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	e.On("EmbedBatch", mock.Anything, []string{}).Return([][]float32{}, nil)
	e.On("Version").Return("gemini-embedding-001:768")
	v.On("DeleteStale", mock.Anything, docID, 0).Return(nil)
	s.On("CommitIngestion", mock.Anything, mock.Anything, mock.MatchedBy(func(chunks []document.Chunk) bool {
		return len(chunks) == 0
	})).Return(nil)

	outcome, err := newCoordinator(f, e, s, v).Ingest(context.Background(), testURL)
	assert.NoError(t, err)
	assert.Zero(t, outcome.ChunkCount)
	v.AssertNotCalled(t, "UpsertChunks", mock.Anything, mock.Anything)
}

func TestCoordinator_Ingest_InvalidURL(t *testing.T) {
	c := newCoordinator(new(MockFetcher), new(MockEmbedder), &orderedStore{}, &orderedIndex{})
	_, err := c.Ingest(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestCoordinator_Ingest_SameDocumentSerialized(t *testing.T) {
	f := new(MockFetcher)
	e := new(MockEmbedder)
	s := &orderedStore{}
	v := &orderedIndex{}

	docID := document.ID(testURL)
	var active, maxActive int
	var mu sync.Mutex

	s.On("Get", mock.Anything, docID).Run(func(args mock.Arguments) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}).Return(&document.Document{
		ID:          docID,
		Status:      document.StatusIngested,
		ContentHash: document.HashContent(testContent.Text),
	}, nil)
	f.On("Fetch", mock.Anything, testURL).Return(testContent, nil)

	c := newCoordinator(f, e, s, v)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Ingest(context.Background(), testURL)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "same document must not ingest concurrently")
}

// fakeEmbedder returns one vector per input without caring about content.
type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1}
	}
	return out, nil
}

func (fakeEmbedder) Version() string { return "gemini-embedding-001:768" }

func TestCoordinator_Ingest_ChunkIDsDeterministic(t *testing.T) {
	f := new(MockFetcher)
	s := &orderedStore{}
	v := &orderedIndex{}

	docID := document.ID(testURL)
	long := &ingest.FetchedContent{
		URL:       testURL,
		Title:     "Long",
		Text:      strings.Repeat("Sentence one here. ", 300),
		FetchedAt: testContent.FetchedAt,
	}

	s.On("Get", mock.Anything, docID).Return(nil, document.ErrNotFound)
	f.On("Fetch", mock.Anything, testURL).Return(long, nil)
	s.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	var got []document.Chunk
	v.On("UpsertChunks", mock.Anything, mock.Anything).Return(nil)
	v.On("DeleteStale", mock.Anything, docID, mock.Anything).Return(nil)
	s.On("CommitIngestion", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(2).([]document.Chunk)
	}).Return(nil)

	c := ingest.NewCoordinator(f, fakeEmbedder{}, s, v, ingest.Config{MaxTokens: 64, OverlapTokens: 0})
	_, err := c.Ingest(context.Background(), testURL)
	assert.NoError(t, err)
	assert.Greater(t, len(got), 1)
	for i, c := range got {
		assert.Equal(t, i, c.SequenceIndex)
		assert.Equal(t, document.ChunkID(docID, i), c.ID)
	}
}

type scriptedFetcher struct{ content *ingest.FetchedContent }

func (f *scriptedFetcher) Fetch(ctx context.Context, url string) (*ingest.FetchedContent, error) {
	return f.content, nil
}

// memStore and memIndex hold real state so a full re-ingestion cycle can be
// checked against both stores' final contents, not just call order.
type memStore struct {
	mu     sync.Mutex
	docs   map[string]*document.Document
	chunks map[string][]document.Chunk
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]*document.Document{}, chunks: map[string][]document.Chunk{}}
}

func (m *memStore) Get(ctx context.Context, id string) (*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, document.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) Upsert(ctx context.Context, d *document.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.docs[d.ID] = &cp
	return nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[id]; ok {
		d.Status = status
	}
	return nil
}

func (m *memStore) CommitIngestion(ctx context.Context, d *document.Document, chunks []document.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.Status = document.StatusIngested
	m.docs[d.ID] = &cp
	m.chunks[d.ID] = append([]document.Chunk(nil), chunks...)
	return nil
}

type memIndex struct {
	mu      sync.Mutex
	vectors map[string]map[int]string // document id -> sequence -> chunk id
}

func newMemIndex() *memIndex { return &memIndex{vectors: map[string]map[int]string{}} }

func (m *memIndex) UpsertChunks(ctx context.Context, chunks []ingest.EmbeddedChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if m.vectors[c.DocumentID] == nil {
			m.vectors[c.DocumentID] = map[int]string{}
		}
		m.vectors[c.DocumentID][c.SequenceIndex] = c.ChunkID
	}
	return nil
}

func (m *memIndex) DeleteStale(ctx context.Context, documentID string, keepBelow int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for seq := range m.vectors[documentID] {
		if seq >= keepBelow {
			delete(m.vectors[documentID], seq)
		}
	}
	return nil
}

func TestCoordinator_Ingest_ShrinkingDocumentReplacesBothStores(t *testing.T) {
	paragraphs := []string{
		"Alpha covers the first part of the guide in detail.",
		"Bravo continues with the second part of the guide.",
		"Charlie adds the third part with more material.",
		"Delta extends the fourth part significantly here.",
		"Echo closes out the fifth and final part of it.",
	}
	// 16 tokens = 64 chars: each paragraph stands alone as a chunk, and no
	// two paragraphs pack together.
	cfg := ingest.Config{MaxTokens: 16, OverlapTokens: 0}

	fetch := &scriptedFetcher{content: &ingest.FetchedContent{
		URL:       testURL,
		Title:     "Guide",
		Headings:  []string{"Guide"},
		Text:      strings.Join(paragraphs, "\n\n"),
		FetchedAt: testContent.FetchedAt,
	}}
	store := newMemStore()
	index := newMemIndex()
	c := ingest.NewCoordinator(fetch, fakeEmbedder{}, store, index, cfg)

	docID := document.ID(testURL)

	outcome, err := c.Ingest(context.Background(), testURL)
	assert.NoError(t, err)
	assert.Equal(t, 5, outcome.ChunkCount)
	assert.Len(t, store.chunks[docID], 5)
	assert.Len(t, index.vectors[docID], 5)

	// The page shrinks to its first three paragraphs.
	fetch.content = &ingest.FetchedContent{
		URL:       testURL,
		Title:     "Guide",
		Headings:  []string{"Guide"},
		Text:      strings.Join(paragraphs[:3], "\n\n"),
		FetchedAt: testContent.FetchedAt.Add(time.Hour),
	}

	outcome, err = c.Ingest(context.Background(), testURL)
	assert.NoError(t, err)
	assert.False(t, outcome.Unchanged)
	assert.Equal(t, 3, outcome.ChunkCount)

	// Both stores hold exactly the three surviving chunks, same ids.
	assert.Len(t, store.chunks[docID], 3)
	assert.Len(t, index.vectors[docID], 3)
	for i := 0; i < 3; i++ {
		id := document.ChunkID(docID, i)
		assert.Equal(t, id, store.chunks[docID][i].ID)
		assert.Equal(t, id, index.vectors[docID][i])
	}
	assert.Equal(t, document.StatusIngested, store.docs[docID].Status)
	assert.Equal(t, []string{"Guide"}, store.docs[docID].Headings)
}
