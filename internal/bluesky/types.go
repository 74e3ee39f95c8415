package bluesky

import (
	"encoding/json"
	"time"
)

const (
	typeThreadViewPost = "app.bsky.feed.defs#threadViewPost"
	typeNotFoundPost   = "app.bsky.feed.defs#notFoundPost"
	typeBlockedPost    = "app.bsky.feed.defs#blockedPost"
	typeMessageView    = "chat.bsky.convo.defs#messageView"

	FeatureLink = "app.bsky.richtext.facet#link"
)

type Author struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
}

// Name is the display name, or the handle when no display name is set.
func (a Author) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}

	return a.Handle
}

type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type FacetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
}

type Facet struct {
	Index    ByteSlice      `json:"index"`
	Features []FacetFeature `json:"features"`
}

type PostRecord struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Facets    []Facet   `json:"facets,omitempty"`
}

type Post struct {
	URI       string     `json:"uri"`
	CID       string     `json:"cid"`
	Author    Author     `json:"author"`
	Record    PostRecord `json:"record"`
	IndexedAt time.Time  `json:"indexedAt"`
}

// ThreadNode is one node of a thread view. Post is nil when the node is a
// deleted or blocked post.
type ThreadNode struct {
	URI      string
	Post     *Post
	NotFound bool
	Blocked  bool
	Parent   *ThreadNode
	Replies  []*ThreadNode
}

func (n *ThreadNode) Available() bool {
	return n != nil && n.Post != nil && !n.NotFound && !n.Blocked
}

type threadNodeJSON struct {
	Type     string            `json:"$type"`
	URI      string            `json:"uri"`
	NotFound bool              `json:"notFound"`
	Blocked  bool              `json:"blocked"`
	Post     *Post             `json:"post"`
	Parent   *ThreadNode       `json:"parent"`
	Replies  []json.RawMessage `json:"replies"`
}

func (n *ThreadNode) UnmarshalJSON(data []byte) error {
	var raw threadNodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*n = ThreadNode{
		URI:      raw.URI,
		NotFound: raw.NotFound || raw.Type == typeNotFoundPost,
		Blocked:  raw.Blocked || raw.Type == typeBlockedPost,
		Parent:   raw.Parent,
	}

	if raw.Post != nil && !n.NotFound && !n.Blocked {
		n.Post = raw.Post
		n.URI = raw.Post.URI
	}

	for _, r := range raw.Replies {
		var child ThreadNode
		if err := json.Unmarshal(r, &child); err != nil {
			return err
		}

		n.Replies = append(n.Replies, &child)
	}

	return nil
}

// Bookmark is a saved post. Cursor is the feed position of the bookmark and
// can be passed to GetBookmarks to resume after it.
type Bookmark struct {
	URI       string
	CID       string
	CreatedAt time.Time
	Cursor    string
}

// BookmarkPage lists bookmarks oldest first.
type BookmarkPage struct {
	Bookmarks []Bookmark
	Cursor    string
}

type Message struct {
	ID        string
	ConvoID   string
	SenderDID string
	Text      string
	SentAt    time.Time
}
