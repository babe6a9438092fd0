package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is an outgoing anchor found on a page.
type Link struct {
	URI      string
	NoFollow bool
}

// ExtractLinks returns the unique absolute http(s) links of an HTML body,
// resolved against base. Fragments are dropped and URLs are normalized.
func ExtractLinks(base string, body []byte) ([]Link, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, perr := url.Parse(strings.TrimSpace(href)); perr == nil {
			baseURL = baseURL.ResolveReference(ref)
		}
	}

	seen := make(map[string]int)
	var links []Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, perr := url.Parse(href)
		if perr != nil {
			return
		}
		resolved := baseURL.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		normalized, nerr := NormalizeURL(resolved.String())
		if nerr != nil {
			return
		}
		noFollow := hasRelToken(sel.AttrOr("rel", ""), "nofollow")
		if idx, dup := seen[normalized]; dup {
			// A followable anchor wins over a nofollow one for the same target.
			links[idx].NoFollow = links[idx].NoFollow && noFollow
			return
		}
		seen[normalized] = len(links)
		links = append(links, Link{URI: normalized, NoFollow: noFollow})
	})
	return links, nil
}

func hasRelToken(rel, token string) bool {
	for _, field := range strings.Fields(rel) {
		if strings.EqualFold(field, token) {
			return true
		}
	}
	return false
}

func isHTML(result FetchResult) bool {
	contentType := result.ContentType()
	return contentType == "" || containsLower(contentType, "html")
}
