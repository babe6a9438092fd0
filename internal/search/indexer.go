package search

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"reflect"
	"slices"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Page metadata is published by the CMS as a JSON-LD block with this context
// and type.
const (
	MetaContext = "https://contao.org/"
	MetaType    = "PageMetaData"
)

// Indexer decides whether a Document belongs in a search index and writes it.
type Indexer interface {
	Index(ctx context.Context, doc *Document) error
	Clear(ctx context.Context) error
	Enabled() bool
}

// Entry is what a Store persists for one indexed page.
type Entry struct {
	URL       string    `json:"url"`
	Content   string    `json:"content"`
	Protected bool      `json:"protected"`
	Groups    []int     `json:"groups"`
	PageID    int       `json:"page_id"`
	Checksum  string    `json:"checksum"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Store persists index entries.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	Clear(ctx context.Context) error
}

// Meta is the decoded page metadata.
type Meta struct {
	Protected bool  `mapstructure:"protected"`
	Groups    []int `mapstructure:"groups"`
	PageID    int   `mapstructure:"pageId"`
	NoSearch  bool  `mapstructure:"noSearch"`
	FEPreview bool  `mapstructure:"fePreview"`
	MemberID  any   `mapstructure:"memberId"`
}

// DefaultConfig configures a DefaultIndexer.
type DefaultConfig struct {
	Enabled        bool
	IndexProtected bool
}

// DefaultIndexer indexes pages according to their PageMetaData block.
type DefaultIndexer struct {
	cfg    DefaultConfig
	store  Store
	hasher crawler.Hasher
	clock  crawler.Clock
	logger *zap.Logger
}

// NewDefaultIndexer wires a DefaultIndexer to its store.
func NewDefaultIndexer(cfg DefaultConfig, store Store, hasher crawler.Hasher, clock crawler.Clock, logger *zap.Logger) (*DefaultIndexer, error) {
	if store == nil {
		return nil, errors.New("search store is required")
	}
	if hasher == nil || clock == nil {
		return nil, errors.New("hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultIndexer{cfg: cfg, store: store, hasher: hasher, clock: clock, logger: logger}, nil
}

// Enabled reports whether the indexer writes anything.
func (i *DefaultIndexer) Enabled() bool {
	return i.cfg.Enabled
}

// Index applies the indexing policy to doc. Pages that are not indexed return
// nil.
func (i *DefaultIndexer) Index(ctx context.Context, doc *Document) error {
	if !i.Enabled() || doc == nil {
		return nil
	}
	if doc.StatusCode != http.StatusOK {
		return nil
	}

	meta, err := DecodeMeta(doc)
	if err != nil {
		i.logger.Warn("Dropped page metadata", zap.String("uri", doc.URI), zap.Error(err))
	}
	if reason := i.rejection(meta); reason != "" {
		i.logger.Debug("Page not indexed", zap.String("uri", doc.URI), zap.String("reason", reason))
		return nil
	}

	checksum, err := i.hasher.Hash(doc.Body)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", doc.URI, err)
	}
	entry := Entry{
		URL:       doc.URI,
		Content:   string(doc.Body),
		Protected: meta.Protected,
		Groups:    meta.Groups,
		PageID:    meta.PageID,
		Checksum:  checksum,
		IndexedAt: i.clock.Now(),
	}
	if err := i.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("index %s: %w", doc.URI, err)
	}
	return nil
}

func (i *DefaultIndexer) rejection(meta Meta) string {
	switch {
	case meta.NoSearch:
		return "search disabled for page"
	case meta.FEPreview:
		return "front end preview"
	case meta.Protected && !i.cfg.IndexProtected:
		return "protected page"
	case meta.Protected && meta.MemberID == nil:
		return "protected page without member"
	}
	return ""
}

// Clear empties the underlying store.
func (i *DefaultIndexer) Clear(ctx context.Context) error {
	if err := i.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear search index: %w", err)
	}
	return nil
}

// DecodeMeta merges the document's PageMetaData blocks over the defaults.
// Later blocks override earlier ones key by key. A block that does not
// decode is dropped and reported in the joined error; the returned Meta is
// still usable. Flags are only set by a JSON true.
func DecodeMeta(doc *Document) (Meta, error) {
	merged := map[string]any{
		"protected": false,
		"groups":    []any{},
		"pageId":    0,
	}
	meta, err := decodeMeta(merged)
	if err != nil {
		return Meta{}, err
	}

	var dropped []error
	for n, block := range doc.ExtractJSONLD(MetaContext, MetaType) {
		candidate := maps.Clone(merged)
		maps.Copy(candidate, block)
		decoded, err := decodeMeta(candidate)
		if err != nil {
			dropped = append(dropped, fmt.Errorf("page metadata block %d of %s: %w", n, doc.URI, err))
			continue
		}
		merged, meta = candidate, decoded
	}
	if meta.Groups == nil {
		meta.Groups = []int{}
	}
	return meta, errors.Join(dropped...)
}

func decodeMeta(input map[string]any) (Meta, error) {
	var meta Meta
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		DecodeHook:       mapstructure.DecodeHookFuncKind(strictBool),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Meta{}, fmt.Errorf("build metadata decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// strictBool keeps weak typing from turning "1" or "true" into a flag.
func strictBool(from, to reflect.Kind, data any) (any, error) {
	if to == reflect.Bool && from != reflect.Bool {
		return false, nil
	}
	return data, nil
}

// Prioritized pairs an indexer with its priority. Higher priorities run
// first.
type Prioritized struct {
	Indexer  Indexer
	Priority int
}

// DelegatingIndexer fans documents out to several indexers.
type DelegatingIndexer struct {
	indexers []Indexer
}

// NewDelegatingIndexer orders indexers by descending priority. Equal
// priorities keep their registration order.
func NewDelegatingIndexer(indexers ...Prioritized) *DelegatingIndexer {
	sorted := slices.Clone(indexers)
	slices.SortStableFunc(sorted, func(a, b Prioritized) int {
		return b.Priority - a.Priority
	})
	d := &DelegatingIndexer{}
	for _, p := range sorted {
		if p.Indexer != nil {
			d.indexers = append(d.indexers, p.Indexer)
		}
	}
	return d
}

// Enabled reports whether any delegate is enabled.
func (d *DelegatingIndexer) Enabled() bool {
	for _, idx := range d.indexers {
		if idx.Enabled() {
			return true
		}
	}
	return false
}

// Index passes doc to every enabled delegate and joins their errors.
func (d *DelegatingIndexer) Index(ctx context.Context, doc *Document) error {
	var errs []error
	for _, idx := range d.indexers {
		if !idx.Enabled() {
			continue
		}
		if err := idx.Index(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear clears every enabled delegate.
func (d *DelegatingIndexer) Clear(ctx context.Context) error {
	var errs []error
	for _, idx := range d.indexers {
		if !idx.Enabled() {
			continue
		}
		if err := idx.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
