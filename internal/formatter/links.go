package formatter

import (
	"readwise-autosave/internal/bluesky"
	"readwise-autosave/internal/readwise"
	"slices"
	"sort"
	"strings"

	"mvdan.cc/xurls/v2"
)

var strictURLs = xurls.Strict()

type linkSpan struct {
	start int
	end   int
	uri   string
}

func linkSpans(r bluesky.PostRecord) []linkSpan {
	var spans []linkSpan

	for _, f := range r.Facets {
		for _, feature := range f.Features {
			if feature.Type != bluesky.FeatureLink || feature.URI == "" {
				continue
			}

			spans = append(spans, linkSpan{start: f.Index.ByteStart, end: f.Index.ByteEnd, uri: feature.URI})
			break
		}
	}

	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].start < spans[j].start
	})

	return spans
}

// ExpandLinks replaces shortened link text with the full URL of its link
// facet. Facets with invalid or overlapping ranges are left as written.
func ExpandLinks(r bluesky.PostRecord) string {
	spans := linkSpans(r)
	if len(spans) == 0 {
		return r.Text
	}

	var (
		b    strings.Builder
		last int
	)

	for _, s := range spans {
		if s.start < last || s.end <= s.start || s.end > len(r.Text) {
			continue
		}

		b.WriteString(r.Text[last:s.start])
		b.WriteString(s.uri)
		last = s.end
	}

	b.WriteString(r.Text[last:])

	return b.String()
}

// Links returns the distinct links of a post in text order. Link facets are
// preferred; posts without them are scanned for URLs.
func Links(p *bluesky.Post) []string {
	var links []string

	add := func(link string) {
		if link != "" && !slices.Contains(links, link) {
			links = append(links, link)
		}
	}

	for _, s := range linkSpans(p.Record) {
		add(s.uri)
	}

	if len(links) > 0 {
		return links
	}

	for _, link := range strictURLs.FindAllString(p.Record.Text, -1) {
		add(link)
	}

	return links
}

// LinkDocuments returns one Reader document per link of the post.
func LinkDocuments(p *bluesky.Post) []readwise.Payload {
	links := Links(p)
	if len(links) == 0 {
		return nil
	}

	payloads := make([]readwise.Payload, 0, len(links))
	for _, link := range links {
		payloads = append(payloads, readwise.Payload{Document: &readwise.Document{
			URL:  link,
			Tags: slices.Clone(LinkTags),
		}})
	}

	return payloads
}
