// Package formatter turns classified posts into Readwise payloads.
package formatter

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"readwise-autosave/internal/bluesky"
	"readwise-autosave/internal/classifier"
	"readwise-autosave/internal/readwise"
	"strings"
	"time"
)

const (
	maxHighlightRunes = 8191
	timestampLayout   = "2006-01-02 15:04:05 UTC"

	PartialThreadNote = "Part of a thread; earlier posts could not be retrieved."
)

var LinkTags = []string{"bluesky", "extracted-link"}

type Options struct {
	ExtractLinks bool
	Note         string
}

var threadTemplate = template.Must(template.New("thread").Parse(
	`<article class="bluesky-thread">
{{- range .}}
<div class="post">
<p class="author"><strong>{{.Name}}</strong> <span class="handle">@{{.Handle}}</span></p>
<p class="content">{{range $i, $line := .Lines}}{{if $i}}<br>{{end}}{{$line}}{{end}}</p>
<p class="timestamp"><a href="{{.URL}}">{{.Time}}</a></p>
</div>
{{- end}}
</article>`))

type postView struct {
	Name   string
	Handle string
	Lines  []string
	URL    string
	Time   string
}

// Format builds a highlight for a single post and a Reader document for a
// thread. Equal input gives byte-equal output.
func Format(c classifier.Classification, opts Options) readwise.Payload {
	if c.Kind == classifier.KindThread && len(c.Posts) > 0 {
		return readwise.Payload{Document: formatThread(c, opts)}
	}

	return readwise.Payload{Highlight: formatSingle(c, opts)}
}

func formatSingle(c classifier.Classification, opts Options) *readwise.Highlight {
	p := c.Post
	sourceURL := bluesky.PostURL(p.Author.Handle, p.URI)

	text := postText(p, opts.ExtractLinks)
	if strings.TrimSpace(text) == "" {
		text = sourceURL
	}

	h := &readwise.Highlight{
		Text:         truncateRunes(text, maxHighlightRunes),
		Title:        title("Post", p.Author),
		Author:       p.Author.Name(),
		SourceURL:    sourceURL,
		SourceType:   "bluesky",
		Category:     readwise.CategoryShortFormPost,
		HighlightURL: sourceURL,
	}

	if !p.Record.CreatedAt.IsZero() {
		h.HighlightedAt = p.Record.CreatedAt.UTC().Format(time.RFC3339)
	}

	var notes []string
	if note := strings.TrimSpace(opts.Note); note != "" {
		notes = append(notes, note)
	}
	if c.Partial {
		notes = append(notes, PartialThreadNote)
	}
	h.Note = strings.Join(notes, "\n\n")

	return h
}

func formatThread(c classifier.Classification, opts Options) *readwise.Document {
	root := c.Posts[0]

	views := make([]postView, 0, len(c.Posts))
	for _, p := range c.Posts {
		views = append(views, postView{
			Name:   p.Author.Name(),
			Handle: p.Author.Handle,
			Lines:  strings.Split(postText(p, opts.ExtractLinks), "\n"),
			URL:    bluesky.PostURL(p.Author.Handle, p.URI),
			Time:   formatTime(p.Record.CreatedAt),
		})
	}

	doc := &readwise.Document{
		URL:    bluesky.PostURL(root.Author.Handle, root.URI),
		HTML:   renderThread(views),
		Title:  title("Thread", root.Author),
		Author: root.Author.Name(),
		Notes:  strings.TrimSpace(opts.Note),
	}

	if !root.Record.CreatedAt.IsZero() {
		doc.PublishedDate = root.Record.CreatedAt.UTC().Format(time.RFC3339)
	}

	return doc
}

func renderThread(views []postView) string {
	var buf bytes.Buffer
	if err := threadTemplate.Execute(&buf, views); err == nil {
		return buf.String()
	}

	// Rendering into a buffer does not fail; keep the text if it ever does.
	var b strings.Builder
	for _, v := range views {
		b.WriteString("<p>" + html.EscapeString(strings.Join(v.Lines, "\n")) + "</p>")
	}

	return b.String()
}

func title(kind string, a bluesky.Author) string {
	if a.Handle == "" {
		return kind + " on Bluesky"
	}

	return fmt.Sprintf("%s by @%s", kind, a.Handle)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(timestampLayout)
}

func postText(p *bluesky.Post, extractLinks bool) string {
	if extractLinks {
		return ExpandLinks(p.Record)
	}

	return p.Record.Text
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}

	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n])
}
