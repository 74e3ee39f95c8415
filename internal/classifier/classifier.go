// Package classifier decides whether a post is saved on its own or as part of
// the thread it replies into.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"readwise-autosave/internal/bluesky"
	"sort"
)

var ErrPostUnavailable = errors.New("post unavailable")

type Kind int

const (
	KindSingle Kind = iota
	KindThread
)

func (k Kind) String() string {
	if k == KindThread {
		return "thread"
	}

	return "single"
}

// Classification is Single (Post only) or Thread (RootURI and Posts from the
// root down to the classified post). Partial marks a reply whose thread could
// not be rebuilt.
type Classification struct {
	Kind    Kind
	Post    *bluesky.Post
	RootURI string
	Posts   []*bluesky.Post
	Partial bool
}

type ThreadFetcher interface {
	GetPostThread(ctx context.Context, uri string) (*bluesky.ThreadNode, error)
}

type Classifier struct {
	fetcher ThreadFetcher
	log     *slog.Logger
}

func New(fetcher ThreadFetcher, log *slog.Logger) *Classifier {
	return &Classifier{fetcher: fetcher, log: log}
}

// Classify fetches the context of postURI. It fails with ErrPostUnavailable
// only when the post itself cannot be fetched; a missing root or ancestor
// degrades to a partial Single.
func (c *Classifier) Classify(ctx context.Context, postURI string) (Classification, error) {
	node, err := c.fetcher.GetPostThread(ctx, postURI)
	if errors.Is(err, bluesky.ErrNotFound) {
		return Classification{}, fmt.Errorf("%w: %s", ErrPostUnavailable, postURI)
	}
	if err != nil {
		return Classification{}, fmt.Errorf("fetch post thread: %w", err)
	}

	if !node.Available() {
		return Classification{}, fmt.Errorf("%w: %s", ErrPostUnavailable, postURI)
	}

	post := node.Post
	single := Classification{Kind: KindSingle, Post: post}

	reply := post.Record.Reply
	if reply == nil || reply.Root.URI == "" || reply.Root.URI == post.URI {
		return single, nil
	}

	rootURI := reply.Root.URI
	single.Partial = true

	root, err := c.fetcher.GetPostThread(ctx, rootURI)
	if errors.Is(err, bluesky.ErrNotFound) {
		c.log.InfoContext(ctx, "Thread root is gone so post is saved alone",
			"postURI", post.URI,
			"rootURI", rootURI)

		return single, nil
	}
	if err != nil {
		return Classification{}, fmt.Errorf("fetch thread root: %w", err)
	}

	path := findPath(root, post.URI)
	if path == nil {
		path = ancestorChain(node)
	}

	if len(path) < 2 || path[0].URI != rootURI || !allAvailable(path) {
		c.log.InfoContext(ctx, "Thread is incomplete so post is saved alone",
			"postURI", post.URI,
			"rootURI", rootURI,
			"pathLen", len(path))

		return single, nil
	}

	posts := make([]*bluesky.Post, 0, len(path))
	for _, n := range path {
		posts = append(posts, n.Post)
	}
	posts[len(posts)-1] = post

	return Classification{
		Kind:    KindThread,
		Post:    post,
		RootURI: rootURI,
		Posts:   posts,
	}, nil
}

// findPath returns the nodes from root to the node with uri. Replies are
// searched in (createdAt, uri) order so the result does not depend on the
// order the service returned them in.
func findPath(root *bluesky.ThreadNode, uri string) []*bluesky.ThreadNode {
	if root == nil {
		return nil
	}

	if root.URI == uri {
		return []*bluesky.ThreadNode{root}
	}

	for _, child := range sortedReplies(root) {
		if rest := findPath(child, uri); rest != nil {
			return append([]*bluesky.ThreadNode{root}, rest...)
		}
	}

	return nil
}

func sortedReplies(n *bluesky.ThreadNode) []*bluesky.ThreadNode {
	replies := make([]*bluesky.ThreadNode, len(n.Replies))
	copy(replies, n.Replies)

	sort.SliceStable(replies, func(i, j int) bool {
		a, b := replies[i], replies[j]
		if a.Available() && b.Available() && !a.Post.Record.CreatedAt.Equal(b.Post.Record.CreatedAt) {
			return a.Post.Record.CreatedAt.Before(b.Post.Record.CreatedAt)
		}

		return a.URI < b.URI
	})

	return replies
}

// ancestorChain returns the parents of tip from the topmost one down to tip.
func ancestorChain(tip *bluesky.ThreadNode) []*bluesky.ThreadNode {
	var chain []*bluesky.ThreadNode
	for n := tip; n != nil; n = n.Parent {
		chain = append(chain, n)
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain
}

func allAvailable(nodes []*bluesky.ThreadNode) bool {
	for _, n := range nodes {
		if !n.Available() {
			return false
		}
	}

	return true
}
