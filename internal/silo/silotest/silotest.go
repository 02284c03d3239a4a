// Package silotest provides a scripted fake silo, fa.ke, used by poller,
// discovery, and propagation tests.
package silotest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/silo"
)

// Name and Domain identify the fake silo.
const (
	Name   = "fake"
	Domain = "fa.ke"
)

// Fake is a scripted silo.Adapter. Configure the exported fields before use;
// methods record what they were called with.
type Fake struct {
	mu sync.Mutex

	// Activities is returned from Fetch in order.
	Activities []as1.Object
	// ETag is returned from Fetch.
	ETag string
	// FetchErr, when set, is returned from Fetch instead of results.
	FetchErr error
	// Blocked is returned from BlocklistIDs.
	Blocked []string

	// RequiresSyndicationLink and IgnoreFragments feed the Meta flags.
	RequiresSyndicationLink bool
	IgnoreFragments         bool

	// FetchCalls records the options of each Fetch.
	FetchCalls []silo.FetchOptions
}

var _ silo.Adapter = (*Fake)(nil)

func (f *Fake) Meta() silo.Meta {
	return silo.Meta{
		Name:                            Name,
		Domain:                          Domain,
		Cadence:                         bridge.DefaultCadence(),
		BackfeedRequiresSyndicationLink: f.RequiresSyndicationLink,
		IgnoreSyndicationLinkFragments:  f.IgnoreFragments,
		HasBlocks:                       len(f.Blocked) > 0,
	}
}

func (f *Fake) Fetch(ctx context.Context, src *bridge.Source, opts silo.FetchOptions) (silo.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls = append(f.FetchCalls, opts)
	if f.FetchErr != nil {
		return silo.FetchResult{}, f.FetchErr
	}
	out := make([]as1.Object, len(f.Activities))
	for i, a := range f.Activities {
		out[i] = a.Clone()
	}
	return silo.FetchResult{Activities: out, ETag: f.ETag}, nil
}

func (f *Fake) GetActivity(ctx context.Context, src *bridge.Source, id string) (as1.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := TagURI(id)
	for _, a := range f.Activities {
		if a.ID() == want || a.ID() == id {
			return a.Clone(), nil
		}
	}
	return nil, fmt.Errorf("fake activity %s: not found", id)
}

func (f *Fake) GetComment(ctx context.Context, src *bridge.Source, activityID, commentID string) (as1.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := TagURI(commentID)
	for _, a := range f.Activities {
		for _, r := range a.Replies() {
			if r.ID() == want {
				return r.Clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("fake comment %s: not found", commentID)
}

func (f *Fake) GetLike(ctx context.Context, src *bridge.Source, activityID, userID string) (as1.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.Activities {
		for _, t := range a.Tags() {
			if t.String("verb") == "like" && t.AuthorID() == TagURI(userID) {
				return t.Clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("fake like by %s: not found", userID)
}

// CanonicalizeURL maps any scheme and www. variant of fa.ke onto
// https://fa.ke with the path preserved.
func (f *Fake) CanonicalizeURL(rawURL string, activity as1.Object) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != Domain {
		return ""
	}
	canonical := "https://" + Domain + strings.TrimSuffix(u.Path, "/")
	if f.IgnoreFragments {
		return canonical
	}
	if u.Fragment != "" {
		canonical += "#" + u.Fragment
	}
	return canonical
}

func (f *Fake) UserURL(id string) string {
	return fmt.Sprintf("https://%s/%s", Domain, id)
}

func (f *Fake) PostID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.") != Domain {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "post" {
		return parts[1]
	}
	return ""
}

func (f *Fake) BlocklistIDs(ctx context.Context, src *bridge.Source) ([]string, error) {
	return append([]string(nil), f.Blocked...), nil
}

// TagURI builds the fake silo's canonical object id.
func TagURI(id string) string {
	return as1.TagURI(Domain, id)
}

// Post builds a fa.ke post activity with the given id and optional embedded
// comment ids. Authors default to the given user id.
func Post(postID, authorID string, commentIDs ...string) as1.Object {
	obj := as1.Object{
		"id":  TagURI(postID),
		"url": fmt.Sprintf("https://%s/post/%s", Domain, postID),
	}
	if len(commentIDs) > 0 {
		items := make([]any, len(commentIDs))
		for i, cid := range commentIDs {
			items[i] = map[string]any(Comment(cid, "commenter-"+cid, postID))
		}
		obj["replies"] = map[string]any{"items": items}
	}
	return as1.Object{
		"id":     TagURI(postID),
		"url":    fmt.Sprintf("https://%s/post/%s", Domain, postID),
		"actor":  map[string]any{"id": TagURI(authorID)},
		"object": map[string]any(obj),
	}
}

// Comment builds a fa.ke comment on the given post.
func Comment(commentID, authorID, postID string) as1.Object {
	return as1.Object{
		"id":         TagURI(commentID),
		"objectType": "comment",
		"url":        fmt.Sprintf("https://%s/comment/%s", Domain, commentID),
		"content":    "comment " + commentID,
		"author":     map[string]any{"id": TagURI(authorID)},
		"inReplyTo": []any{map[string]any{
			"id":  TagURI(postID),
			"url": fmt.Sprintf("https://%s/post/%s", Domain, postID),
		}},
	}
}

// Like builds a fa.ke like tag on the given post.
func Like(authorID, postID string) as1.Object {
	return as1.Object{
		"id":     TagURI(postID + "_liked_by_" + authorID),
		"url":    fmt.Sprintf("https://%s/post/%s#liked-by-%s", Domain, postID, authorID),
		"verb":   "like",
		"author": map[string]any{"id": TagURI(authorID)},
		"object": map[string]any{"url": fmt.Sprintf("https://%s/post/%s", Domain, postID)},
	}
}
