package search_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/search"
	"github.com/JakeFAU/sitecrawler/internal/search/memory"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

func metaPage(meta string) []byte {
	if meta == "" {
		return []byte(`<html><body><p>content</p></body></html>`)
	}
	return []byte(`<html><head><script type="application/ld+json">` + meta + `</script></head><body><p>content</p></body></html>`)
}

func newIndexer(t *testing.T, cfg search.DefaultConfig) (*search.DefaultIndexer, *memory.Store) {
	t.Helper()
	store := memory.New()
	idx, err := search.NewDefaultIndexer(cfg, store, sha256.New(), fixedClock{}, nil)
	require.NoError(t, err)
	return idx, store
}

func TestDefaultIndexerUsesDefaultsWithoutMetadata(t *testing.T) {
	t.Parallel()

	idx, store := newIndexer(t, search.DefaultConfig{Enabled: true})
	doc := search.NewDocument("https://example.com/", http.StatusOK, nil, metaPage(""))
	require.NoError(t, idx.Index(context.Background(), doc))

	entry, ok := store.Get("https://example.com/")
	require.True(t, ok)
	assert.False(t, entry.Protected)
	assert.Equal(t, []int{}, entry.Groups)
	assert.Equal(t, 0, entry.PageID)
	assert.Len(t, entry.Checksum, 64)
	assert.Equal(t, fixedClock{}.Now(), entry.IndexedAt)
	assert.Contains(t, entry.Content, "<p>content</p>")
}

func TestDefaultIndexerMergesMetadataBlocks(t *testing.T) {
	t.Parallel()

	idx, store := newIndexer(t, search.DefaultConfig{Enabled: true})
	body := []byte(`<html><head>
<script type="application/ld+json">{"@context":"https://contao.org/","@type":"PageMetaData","pageId":3,"groups":["1","2"]}</script>
<script type="application/ld+json">{"@context":"https://contao.org/","@type":"PageMetaData","pageId":5}</script>
</head></html>`)
	require.NoError(t, idx.Index(context.Background(), search.NewDocument("https://example.com/p", http.StatusOK, nil, body)))

	entry, ok := store.Get("https://example.com/p")
	require.True(t, ok)
	assert.Equal(t, 5, entry.PageID)
	assert.Equal(t, []int{1, 2}, entry.Groups)
}

func TestDefaultIndexerSkips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    search.DefaultConfig
		status int
		meta   string
	}{
		{name: "disabled", cfg: search.DefaultConfig{}, status: http.StatusOK},
		{name: "not ok", cfg: search.DefaultConfig{Enabled: true}, status: http.StatusNotFound},
		{name: "redirect", cfg: search.DefaultConfig{Enabled: true}, status: http.StatusMovedPermanently},
		{
			name:   "no search",
			cfg:    search.DefaultConfig{Enabled: true},
			status: http.StatusOK,
			meta:   `{"@context":"https://contao.org/","@type":"PageMetaData","noSearch":true}`,
		},
		{
			name:   "preview",
			cfg:    search.DefaultConfig{Enabled: true},
			status: http.StatusOK,
			meta:   `{"@context":"https://contao.org/","@type":"PageMetaData","fePreview":true}`,
		},
		{
			name:   "protected without opt in",
			cfg:    search.DefaultConfig{Enabled: true},
			status: http.StatusOK,
			meta:   `{"@context":"https://contao.org/","@type":"PageMetaData","protected":true,"memberId":12}`,
		},
		{
			name:   "protected without member",
			cfg:    search.DefaultConfig{Enabled: true, IndexProtected: true},
			status: http.StatusOK,
			meta:   `{"@context":"https://contao.org/","@type":"PageMetaData","protected":true,"memberId":null}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			idx, store := newIndexer(t, tt.cfg)
			doc := search.NewDocument("https://example.com/", tt.status, nil, metaPage(tt.meta))
			require.NoError(t, idx.Index(context.Background(), doc))
			assert.Empty(t, store.URLs())
		})
	}
}

func TestDefaultIndexerIndexesProtectedMemberPages(t *testing.T) {
	t.Parallel()

	idx, store := newIndexer(t, search.DefaultConfig{Enabled: true, IndexProtected: true})
	meta := `{"@context":"https://contao.org/","@type":"PageMetaData","protected":true,"memberId":12,"groups":[4]}`
	doc := search.NewDocument("https://example.com/members", http.StatusOK, nil, metaPage(meta))
	require.NoError(t, idx.Index(context.Background(), doc))

	entry, ok := store.Get("https://example.com/members")
	require.True(t, ok)
	assert.True(t, entry.Protected)
	assert.Equal(t, []int{4}, entry.Groups)
}

func TestDefaultIndexerDropsUndecodableMetadataBlock(t *testing.T) {
	t.Parallel()

	idx, store := newIndexer(t, search.DefaultConfig{Enabled: true})
	good := `{"@context":"https://contao.org/","@type":"PageMetaData","pageId":7,"groups":[1]}`
	bad := `{"@context":"https://contao.org/","@type":"PageMetaData","pageId":{"nested":true},"noSearch":true}`
	page := []byte(`<html><head>` +
		`<script type="application/ld+json">` + good + `</script>` +
		`<script type="application/ld+json">` + bad + `</script>` +
		`</head><body><p>content</p></body></html>`)
	doc := search.NewDocument("https://example.com/", http.StatusOK, nil, page)

	meta, err := search.DecodeMeta(doc)
	require.Error(t, err)
	assert.Equal(t, 7, meta.PageID)
	assert.Equal(t, []int{1}, meta.Groups)
	assert.False(t, meta.NoSearch, "the dropped block contributes nothing")

	require.NoError(t, idx.Index(context.Background(), doc))
	assert.Equal(t, []string{"https://example.com/"}, store.URLs())
}

func TestDefaultIndexerFlagsRequireJSONTrue(t *testing.T) {
	t.Parallel()

	idx, store := newIndexer(t, search.DefaultConfig{Enabled: true})
	meta := `{"@context":"https://contao.org/","@type":"PageMetaData","noSearch":"1","fePreview":"true","protected":1,"pageId":"12"}`
	doc := search.NewDocument("https://example.com/", http.StatusOK, nil, metaPage(meta))

	decoded, err := search.DecodeMeta(doc)
	require.NoError(t, err)
	assert.False(t, decoded.NoSearch)
	assert.False(t, decoded.FEPreview)
	assert.False(t, decoded.Protected)
	assert.Equal(t, 12, decoded.PageID)

	require.NoError(t, idx.Index(context.Background(), doc))
	assert.Equal(t, []string{"https://example.com/"}, store.URLs())
}

type fakeIndexer struct {
	enabled bool
	err     error
	calls   *[]string
	name    string
}

func (f fakeIndexer) Index(context.Context, *search.Document) error {
	*f.calls = append(*f.calls, f.name)
	return f.err
}

func (f fakeIndexer) Clear(context.Context) error {
	*f.calls = append(*f.calls, "clear-"+f.name)
	return f.err
}

func (f fakeIndexer) Enabled() bool { return f.enabled }

func TestDelegatingIndexerOrdersByPriority(t *testing.T) {
	t.Parallel()

	var calls []string
	boom := errors.New("boom")
	d := search.NewDelegatingIndexer(
		search.Prioritized{Indexer: fakeIndexer{enabled: true, calls: &calls, name: "low"}, Priority: 1},
		search.Prioritized{Indexer: fakeIndexer{enabled: false, calls: &calls, name: "off"}, Priority: 50},
		search.Prioritized{Indexer: fakeIndexer{enabled: true, calls: &calls, name: "high", err: boom}, Priority: 10},
	)
	require.True(t, d.Enabled())

	err := d.Index(context.Background(), search.NewDocument("https://example.com/", 200, nil, nil))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"high", "low"}, calls)

	calls = nil
	require.ErrorIs(t, d.Clear(context.Background()), boom)
	assert.Equal(t, []string{"clear-high", "clear-low"}, calls)

	assert.False(t, search.NewDelegatingIndexer().Enabled())
}
