package formatter_test

import (
	"readwise-autosave/internal/bluesky"
	"readwise-autosave/internal/classifier"
	"readwise-autosave/internal/formatter"
	"readwise-autosave/internal/readwise"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var created = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func testPost(rkey string, text string) *bluesky.Post {
	return &bluesky.Post{
		URI: "at://did:plc:alice/app.bsky.feed.post/" + rkey,
		Author: bluesky.Author{
			DID:         "did:plc:alice",
			Handle:      "alice.test",
			DisplayName: "Alice",
		},
		Record: bluesky.PostRecord{Text: text, CreatedAt: created},
	}
}

func linkPost() *bluesky.Post {
	text := "read example.com/a... now"
	start := strings.Index(text, "example.com")
	end := start + len("example.com/a...")

	p := testPost("links", text)
	p.Record.Facets = []bluesky.Facet{{
		Index:    bluesky.ByteSlice{ByteStart: start, ByteEnd: end},
		Features: []bluesky.FacetFeature{{Type: bluesky.FeatureLink, URI: "https://example.com/a/long/path"}},
	}}

	return p
}

func TestFormatSingleHighlight(t *testing.T) {
	c := classifier.Classification{Kind: classifier.KindSingle, Post: testPost("3kabc", "hello world")}

	p := formatter.Format(c, formatter.Options{})

	if p.Endpoint() != readwise.EndpointHighlights || p.Highlight == nil {
		t.Fatalf("expected highlight payload, got %+v", p)
	}

	h := p.Highlight
	want := readwise.Highlight{
		Text:          "hello world",
		Title:         "Post by @alice.test",
		Author:        "Alice",
		SourceURL:     "https://bsky.app/profile/alice.test/post/3kabc",
		SourceType:    "bluesky",
		Category:      "tweets",
		HighlightedAt: "2026-02-03T04:05:06Z",
		HighlightURL:  "https://bsky.app/profile/alice.test/post/3kabc",
	}

	if *h != want {
		t.Fatalf("got %+v, want %+v", *h, want)
	}
}

func TestFormatSingleNotes(t *testing.T) {
	c := classifier.Classification{Kind: classifier.KindSingle, Post: testPost("1", "x"), Partial: true}

	h := formatter.Format(c, formatter.Options{Note: " great "}).Highlight

	if h.Note != "great\n\n"+formatter.PartialThreadNote {
		t.Fatalf("unexpected note %q", h.Note)
	}
}

func TestFormatSingleDegradesOnMissingFields(t *testing.T) {
	p := &bluesky.Post{URI: "at://did:plc:x/app.bsky.feed.post/9"}

	h := formatter.Format(classifier.Classification{Post: p}, formatter.Options{}).Highlight

	if h.Author != "" || h.HighlightedAt != "" || h.Title != "Post on Bluesky" {
		t.Fatalf("unexpected highlight %+v", h)
	}

	if h.Text != "https://bsky.app/profile/did:plc:x/post/9" {
		t.Fatalf("expected source URL as text, got %q", h.Text)
	}
}

func TestFormatSingleExpandsLinks(t *testing.T) {
	c := classifier.Classification{Post: linkPost()}

	plain := formatter.Format(c, formatter.Options{}).Highlight
	expanded := formatter.Format(c, formatter.Options{ExtractLinks: true}).Highlight

	if plain.Text != "read example.com/a... now" {
		t.Fatalf("unexpected plain text %q", plain.Text)
	}

	if expanded.Text != "read https://example.com/a/long/path now" {
		t.Fatalf("unexpected expanded text %q", expanded.Text)
	}
}

func TestFormatSingleTruncatesLongText(t *testing.T) {
	c := classifier.Classification{Post: testPost("long", strings.Repeat("é", 9000))}

	h := formatter.Format(c, formatter.Options{}).Highlight

	if n := len([]rune(h.Text)); n != 8191 {
		t.Fatalf("expected 8191 runes, got %d", n)
	}
}

func threadClassification() classifier.Classification {
	root := testPost("root", "first <b>bold</b>")
	middle := testPost("middle", "second\nline")
	middle.Author = bluesky.Author{Handle: "bob.test"}
	tip := testPost("tip", "third")

	return classifier.Classification{
		Kind:    classifier.KindThread,
		Post:    tip,
		RootURI: root.URI,
		Posts:   []*bluesky.Post{root, middle, tip},
	}
}

func TestFormatThreadDocument(t *testing.T) {
	p := formatter.Format(threadClassification(), formatter.Options{})

	if p.Endpoint() != readwise.EndpointDocuments || p.Document == nil {
		t.Fatalf("expected document payload, got %+v", p)
	}

	d := p.Document
	if d.URL != "https://bsky.app/profile/alice.test/post/root" || d.Title != "Thread by @alice.test" || d.Author != "Alice" {
		t.Fatalf("unexpected document %+v", d)
	}

	if d.Tags != nil || d.PublishedDate != "2026-02-03T04:05:06Z" {
		t.Fatalf("unexpected document metadata %+v", d)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.HTML))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}

	posts := doc.Find("article.bluesky-thread div.post")
	if posts.Length() != 3 {
		t.Fatalf("expected 3 posts, got %d", posts.Length())
	}

	var authors, contents []string
	posts.Each(func(_ int, s *goquery.Selection) {
		authors = append(authors, s.Find("p.author strong").Text())
		contents = append(contents, s.Find("p.content").Text())
	})

	if !reflect.DeepEqual(authors, []string{"Alice", "bob.test", "Alice"}) {
		t.Fatalf("unexpected authors %v", authors)
	}

	if contents[0] != "first <b>bold</b>" {
		t.Fatalf("post text must be escaped, got %q", contents[0])
	}

	if posts.Eq(1).Find("p.content br").Length() != 1 {
		t.Fatalf("expected line break in second post")
	}

	if href, _ := posts.Eq(2).Find("p.timestamp a").Attr("href"); href != "https://bsky.app/profile/alice.test/post/tip" {
		t.Fatalf("unexpected post link %q", href)
	}
}

func TestFormatIsDeterministicAndDistinct(t *testing.T) {
	c := threadClassification()

	a := formatter.Format(c, formatter.Options{})
	b := formatter.Format(c, formatter.Options{})

	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same input produced different payloads")
	}

	shorter := c
	shorter.Posts = c.Posts[:2]
	shorter.Post = c.Posts[1]

	if formatter.Format(shorter, formatter.Options{}).Document.HTML == a.Document.HTML {
		t.Fatalf("different threads produced the same document")
	}

	one := formatter.Format(classifier.Classification{Post: testPost("1", "same")}, formatter.Options{})
	two := formatter.Format(classifier.Classification{Post: testPost("2", "same")}, formatter.Options{})

	if reflect.DeepEqual(one, two) {
		t.Fatalf("different posts produced the same highlight")
	}
}

func TestLinkDocuments(t *testing.T) {
	docs := formatter.LinkDocuments(linkPost())
	if len(docs) != 1 || docs[0].Document.URL != "https://example.com/a/long/path" {
		t.Fatalf("unexpected link documents %+v", docs)
	}

	if !reflect.DeepEqual(docs[0].Document.Tags, []string{"bluesky", "extracted-link"}) {
		t.Fatalf("unexpected tags %v", docs[0].Document.Tags)
	}

	noFacets := testPost("plain", "see https://go.dev and https://go.dev again, also https://pkg.go.dev/x")
	links := formatter.Links(noFacets)

	if !reflect.DeepEqual(links, []string{"https://go.dev", "https://pkg.go.dev/x"}) {
		t.Fatalf("unexpected fallback links %v", links)
	}

	if formatter.LinkDocuments(testPost("none", "no links")) != nil {
		t.Fatalf("expected no documents")
	}
}
