package search

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Document is one fetched page as seen by an indexer.
type Document struct {
	URI        string
	StatusCode int
	Headers    http.Header
	Body       []byte

	once   sync.Once
	jsonLD []map[string]any
}

// NewDocument builds a Document from response parts.
func NewDocument(uri string, statusCode int, headers http.Header, body []byte) *Document {
	return &Document{
		URI:        uri,
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
	}
}

// ExtractJSONLD returns the JSON-LD objects embedded in the page whose
// @context and @type match the given values. An empty context or type
// matches anything. The body is parsed once per Document; callers get copies
// and may modify them freely.
func (d *Document) ExtractJSONLD(context, typ string) []map[string]any {
	d.once.Do(d.parseJSONLD)

	var out []map[string]any
	for _, block := range d.jsonLD {
		if context != "" && !matchesValue(block["@context"], context) {
			continue
		}
		if typ != "" && !matchesValue(block["@type"], typ) {
			continue
		}
		out = append(out, cloneMap(block))
	}
	return out
}

func (d *Document) parseJSONLD() {
	if len(d.Body) == 0 {
		return
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(d.Body))
	if err != nil {
		return
	}
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		var data any
		if err := json.Unmarshal([]byte(text), &data); err != nil {
			// Malformed blocks are dropped individually.
			return
		}
		d.jsonLD = append(d.jsonLD, flattenJSONLD(data, nil)...)
	})
}

// flattenJSONLD expands arrays and @graph containers into plain objects.
// Graph members without their own @context inherit the container's.
func flattenJSONLD(data any, inherited any) []map[string]any {
	switch v := data.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			out = append(out, flattenJSONLD(item, inherited)...)
		}
		return out
	case map[string]any:
		if _, ok := v["@context"]; !ok && inherited != nil {
			v["@context"] = inherited
		}
		graph, ok := v["@graph"].([]any)
		if !ok {
			return []map[string]any{v}
		}
		return flattenJSONLD(graph, v["@context"])
	default:
		return nil
	}
}

// matchesValue compares a JSON-LD keyword value that may be a string or an
// array of strings.
func matchesValue(value any, want string) bool {
	switch v := value.(type) {
	case string:
		return v == want
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
