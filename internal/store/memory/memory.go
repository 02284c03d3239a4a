// Package memory provides an in-memory store implementation for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/store"
)

// Store holds all entities in maps guarded by one mutex. Update methods run
// their closure under the lock, which gives the same read-modify-write
// atomicity a database transaction would.
type Store struct {
	mu sync.Mutex

	clock bridge.Clock

	sources     map[string]*bridge.Source
	responses   map[string]*bridge.Response
	blogPosts   map[string]*bridge.BlogPost
	syndicated  map[string][]*bridge.SyndicatedPost
	activities  map[string]*bridge.Activity
	domains     map[string]*bridge.Domain
	publishURLs map[string][]*bridge.Publish
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store.
func New(clock bridge.Clock) *Store {
	return &Store{
		clock:       clock,
		sources:     make(map[string]*bridge.Source),
		responses:   make(map[string]*bridge.Response),
		blogPosts:   make(map[string]*bridge.BlogPost),
		syndicated:  make(map[string][]*bridge.SyndicatedPost),
		activities:  make(map[string]*bridge.Activity),
		domains:     make(map[string]*bridge.Domain),
		publishURLs: make(map[string][]*bridge.Publish),
	}
}

func sourceKey(kind, id string) string {
	return kind + " " + bridge.EscapeKeyID(id)
}

func checkKey(id string) error {
	if id == "" {
		return fmt.Errorf("empty key id")
	}
	if len(id) > bridge.MaxKeyBytes {
		return fmt.Errorf("key id too long: %d bytes", len(id))
	}
	return nil
}

func cloneSource(s *bridge.Source) *bridge.Source {
	c := *s
	c.DomainURLs = append([]string(nil), s.DomainURLs...)
	c.Domains = append([]string(nil), s.Domains...)
	c.Features = append([]bridge.Feature(nil), s.Features...)
	c.BlockedIDs = append([]string(nil), s.BlockedIDs...)
	return &c
}

func cloneResponse(r *bridge.Response) *bridge.Response {
	c := *r
	c.Unsent = append([]string(nil), r.Unsent...)
	c.Sent = append([]string(nil), r.Sent...)
	c.Error = append([]string(nil), r.Error...)
	c.Failed = append([]string(nil), r.Failed...)
	c.Skipped = append([]string(nil), r.Skipped...)
	c.ActivitiesJSON = append([]string(nil), r.ActivitiesJSON...)
	c.OldResponseJSONs = append([]string(nil), r.OldResponseJSONs...)
	c.OriginalPosts = append([]string(nil), r.OriginalPosts...)
	return &c
}

func cloneBlogPost(p *bridge.BlogPost) *bridge.BlogPost {
	c := *p
	c.Unsent = append([]string(nil), p.Unsent...)
	c.Sent = append([]string(nil), p.Sent...)
	c.Error = append([]string(nil), p.Error...)
	c.Failed = append([]string(nil), p.Failed...)
	c.Skipped = append([]string(nil), p.Skipped...)
	return &c
}

// GetSource returns the source for a silo account.
func (s *Store) GetSource(_ context.Context, kind, id string) (*bridge.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceKey(kind, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSource(src), nil
}

// PutSource stores a source, overwriting any existing one.
func (s *Store) PutSource(_ context.Context, src *bridge.Source) error {
	if err := checkKey(src.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneSource(src)
	if stored.Created.IsZero() {
		stored.Created = s.clock.Now()
	}
	s.sources[sourceKey(src.Kind, src.ID)] = stored
	return nil
}

// UpdateSource applies fn to the source under the lock.
func (s *Store) UpdateSource(_ context.Context, kind, id string, fn func(*bridge.Source) error) (*bridge.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceKey(kind, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	working := cloneSource(src)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.sources[sourceKey(kind, id)] = working
	return cloneSource(working), nil
}

// ListSources returns all sources, ordered by kind then id.
func (s *Store) ListSources(_ context.Context) ([]*bridge.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*bridge.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetResponse returns the response with the given tag URI id.
func (s *Store) GetResponse(_ context.Context, id string) (*bridge.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[bridge.EscapeKeyID(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneResponse(resp), nil
}

// PutResponse stores a response, overwriting any existing one.
func (s *Store) PutResponse(_ context.Context, resp *bridge.Response) error {
	if err := checkKey(resp.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneResponse(resp)
	now := s.clock.Now()
	if stored.Created.IsZero() {
		stored.Created = now
	}
	stored.Updated = now
	s.responses[bridge.EscapeKeyID(resp.ID)] = stored
	return nil
}

// UpdateResponse applies fn to the response under the lock.
func (s *Store) UpdateResponse(_ context.Context, id string, fn func(*bridge.Response) error) (*bridge.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[bridge.EscapeKeyID(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	working := cloneResponse(resp)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Updated = s.clock.Now()
	s.responses[bridge.EscapeKeyID(id)] = working
	return cloneResponse(working), nil
}

// ListResponsesBySource returns a source's responses updated at or after
// since, most recently updated first.
func (s *Store) ListResponsesBySource(_ context.Context, kind, id string, since time.Time, limit int) ([]*bridge.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bridge.Response
	for _, resp := range s.responses {
		if resp.SourceKind != kind || resp.SourceID != id {
			continue
		}
		if resp.Updated.Before(since) {
			continue
		}
		out = append(out, cloneResponse(resp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetBlogPost returns the blog post keyed by its permalink URL.
func (s *Store) GetBlogPost(_ context.Context, url string) (*bridge.BlogPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.blogPosts[url]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBlogPost(post), nil
}

// PutBlogPost stores a blog post.
func (s *Store) PutBlogPost(_ context.Context, post *bridge.BlogPost) error {
	if err := checkKey(post.URL); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneBlogPost(post)
	now := s.clock.Now()
	if stored.Created.IsZero() {
		stored.Created = now
	}
	stored.Updated = now
	s.blogPosts[post.URL] = stored
	return nil
}

// UpdateBlogPost applies fn to the blog post under the lock.
func (s *Store) UpdateBlogPost(_ context.Context, url string, fn func(*bridge.BlogPost) error) (*bridge.BlogPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.blogPosts[url]
	if !ok {
		return nil, store.ErrNotFound
	}
	working := cloneBlogPost(post)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Updated = s.clock.Now()
	s.blogPosts[url] = working
	return cloneBlogPost(working), nil
}

// ListSyndicatedPosts returns a source's relationships matching the filters.
func (s *Store) ListSyndicatedPosts(_ context.Context, kind, id, bySyndication, byOriginal string) ([]*bridge.SyndicatedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bridge.SyndicatedPost
	for _, sp := range s.syndicated[sourceKey(kind, id)] {
		if bySyndication != "" && sp.Syndication != bySyndication {
			continue
		}
		if byOriginal != "" && !strings.EqualFold(sp.Original, byOriginal) {
			continue
		}
		c := *sp
		out = append(out, &c)
	}
	return out, nil
}

// InsertSyndicatedPost records a relationship, deleting blank rows that the
// new pair contradicts. An exact duplicate is returned unchanged.
func (s *Store) InsertSyndicatedPost(_ context.Context, kind, id, syndication, original string) (*bridge.SyndicatedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(kind, id)
	rows := s.syndicated[key]

	for _, sp := range rows {
		if sp.Syndication == syndication && sp.Original == original {
			c := *sp
			return &c, nil
		}
	}

	kept := rows[:0]
	for _, sp := range rows {
		contradictedBlank := (sp.Syndication == syndication && sp.Original == "") ||
			(sp.Original == original && sp.Syndication == "")
		if !contradictedBlank {
			kept = append(kept, sp)
		}
	}

	now := s.clock.Now()
	sp := &bridge.SyndicatedPost{
		SourceKind:  kind,
		SourceID:    id,
		Syndication: syndication,
		Original:    original,
		Created:     now,
		Updated:     now,
	}
	s.syndicated[key] = append(kept, sp)
	c := *sp
	return &c, nil
}

// InsertOriginalBlank records that original has no syndication, unless any
// row for that original exists.
func (s *Store) InsertOriginalBlank(_ context.Context, kind, id, original string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(kind, id)
	for _, sp := range s.syndicated[key] {
		if sp.Original == original {
			return nil
		}
	}
	now := s.clock.Now()
	s.syndicated[key] = append(s.syndicated[key], &bridge.SyndicatedPost{
		SourceKind: kind,
		SourceID:   id,
		Original:   original,
		Created:    now,
		Updated:    now,
	})
	return nil
}

// InsertSyndicationBlank records that syndication has no original, unless
// any row for that syndication exists.
func (s *Store) InsertSyndicationBlank(_ context.Context, kind, id, syndication string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(kind, id)
	for _, sp := range s.syndicated[key] {
		if sp.Syndication == syndication {
			return nil
		}
	}
	now := s.clock.Now()
	s.syndicated[key] = append(s.syndicated[key], &bridge.SyndicatedPost{
		SourceKind:  kind,
		SourceID:    id,
		Syndication: syndication,
		Created:     now,
		Updated:     now,
	})
	return nil
}

// DeleteSyndicatedPost removes one relationship row.
func (s *Store) DeleteSyndicatedPost(_ context.Context, target *bridge.SyndicatedPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(target.SourceKind, target.SourceID)
	rows := s.syndicated[key]
	for i, sp := range rows {
		if sp.Syndication == target.Syndication && sp.Original == target.Original {
			s.syndicated[key] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// GetActivity returns a stored activity by tag URI.
func (s *Store) GetActivity(_ context.Context, id string) (*bridge.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[bridge.EscapeKeyID(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

// PutActivity stores an activity.
func (s *Store) PutActivity(_ context.Context, a *bridge.Activity) error {
	if err := checkKey(a.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *a
	now := s.clock.Now()
	if stored.Created.IsZero() {
		stored.Created = now
	}
	stored.Updated = now
	s.activities[bridge.EscapeKeyID(a.ID)] = &stored
	return nil
}

// GetDomain returns a verified domain record.
func (s *Store) GetDomain(_ context.Context, domain string) (*bridge.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[strings.ToLower(domain)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *d
	c.Tokens = append([]string(nil), d.Tokens...)
	return &c, nil
}

// PutDomain stores a domain record.
func (s *Store) PutDomain(_ context.Context, d *bridge.Domain) error {
	if err := checkKey(d.Domain); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *d
	stored.Tokens = append([]string(nil), d.Tokens...)
	now := s.clock.Now()
	if stored.Created.IsZero() {
		stored.Created = now
	}
	stored.Updated = now
	s.domains[strings.ToLower(d.Domain)] = &stored
	return nil
}

// ListDomainsByToken returns the domains authorizing writes with token.
func (s *Store) ListDomainsByToken(_ context.Context, token string) ([]*bridge.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bridge.Domain
	for _, d := range s.domains {
		if d.HasToken(token) {
			c := *d
			c.Tokens = append([]string(nil), d.Tokens...)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// PublishExistsForURL reports whether any publish record points at url.
func (s *Store) PublishExistsForURL(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.publishURLs[url]) > 0, nil
}

// PutPublish stores a publish record indexed by its page URL.
func (s *Store) PutPublish(_ context.Context, p *bridge.Publish) error {
	if err := checkKey(p.PageURL); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *p
	now := s.clock.Now()
	if stored.Created.IsZero() {
		stored.Created = now
	}
	stored.Updated = now
	s.publishURLs[p.PageURL] = append(s.publishURLs[p.PageURL], &stored)
	return nil
}
