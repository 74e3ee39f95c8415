package bluesky

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	webHost        = "bsky.app"
	postCollection = "app.bsky.feed.post"
)

var ErrInvalidPostURL = errors.New("invalid post URL")

// RKey returns the record key of an AT-URI.
func RKey(atURI string) string {
	atURI = strings.TrimRight(atURI, "/")

	if i := strings.LastIndexByte(atURI, '/'); i >= 0 {
		return atURI[i+1:]
	}

	return atURI
}

// PostURL returns the canonical web URL of a post.
func PostURL(handle string, atURI string) string {
	if handle == "" {
		handle = authority(atURI)
	}

	return fmt.Sprintf("https://%s/profile/%s/post/%s", webHost, handle, RKey(atURI))
}

// PostURLToATURI converts https://bsky.app/profile/{actor}/post/{rkey} into
// at://{actor}/app.bsky.feed.post/{rkey}. The actor can be a handle or a DID.
func PostURLToATURI(postURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(postURL))
	if err != nil {
		return "", fmt.Errorf("parse post URL: %w", err)
	}

	if u.Host != webHost && u.Host != "www."+webHost {
		return "", ErrInvalidPostURL
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "profile" || parts[2] != "post" || parts[1] == "" || parts[3] == "" {
		return "", ErrInvalidPostURL
	}

	return fmt.Sprintf("at://%s/%s/%s", parts[1], postCollection, parts[3]), nil
}

func authority(atURI string) string {
	rest, ok := strings.CutPrefix(atURI, "at://")
	if !ok {
		return ""
	}

	actor, _, _ := strings.Cut(rest, "/")

	return actor
}
