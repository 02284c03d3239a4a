// Package bridge defines core entities and small interfaces shared across
// subsystems.
package bridge

import (
	"strings"
	"time"
)

// SourceStatus is the lifecycle state of a silo account.
type SourceStatus string

// Source status values persisted in the store.
const (
	SourceEnabled  SourceStatus = "enabled"
	SourceDisabled SourceStatus = "disabled"
)

// PollStatus is the outcome of the most recent poll.
type PollStatus string

// Poll status values persisted in the store.
const (
	PollOK      PollStatus = "ok"
	PollError   PollStatus = "error"
	PollPolling PollStatus = "polling"
)

// Feature is a per-source capability toggle.
type Feature string

// Features a source may have enabled.
const (
	FeatureListen     Feature = "listen"
	FeaturePublish    Feature = "publish"
	FeatureWebmention Feature = "webmention"
	FeatureEmail      Feature = "email"
)

// DeliveryStatus is the lifecycle state of a Response or BlogPost.
type DeliveryStatus string

// Delivery status values.
const (
	StatusNew        DeliveryStatus = "new"
	StatusProcessing DeliveryStatus = "processing"
	StatusComplete   DeliveryStatus = "complete"
	StatusError      DeliveryStatus = "error"
)

// Response types derived from AS1 objects.
const (
	TypePost    = "post"
	TypeComment = "comment"
	TypeLike    = "like"
	TypeReact   = "react"
	TypeRepost  = "repost"
	TypeRSVP    = "rsvp"
)

// Storage limits. Key ids and target URLs longer than these are rejected the
// same way the backing store would reject them.
const (
	MaxStringLength = 500
	MaxKeyBytes     = 500
)

// MaxOldResponses bounds the edit history kept on a Response.
const MaxOldResponses = 10

// LeaseLength is how long a propagate task holds a delivery entity.
const LeaseLength = 10 * time.Minute

// RefetchTrigger is a sentinel stored in Source.LastHFeedRefetch that forces
// a full h-feed refetch on the next poll.
var RefetchTrigger = time.Unix(-1, 0).UTC()

// Cadence holds per-silo poll and refetch intervals.
type Cadence struct {
	FastPoll        time.Duration
	SlowPoll        time.Duration
	RateLimitedPoll time.Duration
	FastPollGrace   time.Duration
	FastRefetch     time.Duration
	SlowRefetch     time.Duration
}

// DefaultCadence mirrors the stock silo intervals.
func DefaultCadence() Cadence {
	return Cadence{
		FastPoll:        30 * time.Minute,
		SlowPoll:        24 * time.Hour,
		RateLimitedPoll: 24 * time.Hour,
		FastPollGrace:   7 * 24 * time.Hour,
		FastRefetch:     6 * time.Hour,
		SlowRefetch:     2 * 24 * time.Hour,
	}
}

// Clock returns the current time. Fakes are used in tests.
type Clock interface {
	Now() time.Time
}

// Source is one authored account on one silo.
type Source struct {
	Kind string // silo short name, e.g. "twitter"
	ID   string // unescaped key id

	Name               string
	Picture            string
	URL                string
	Username           string
	DomainURLs         []string
	Domains            []string
	Features           []Feature
	Status             SourceStatus
	PollStatus         PollStatus
	RateLimited        bool
	WebmentionEndpoint string
	SuperfeedrSecret   string
	AuthRef            string

	Created            time.Time
	LastPolled         time.Time
	LastPollAttempt    time.Time
	LastWebmentionSent time.Time
	LastPublicPost     time.Time
	RecentPrivatePosts int

	LastActivityID          string
	LastActivitiesETag      string
	LastActivitiesCacheJSON string
	SeenResponsesCacheJSON  string
	BlockedIDs              []string

	LastHFeedRefetch       time.Time
	LastSyndicationURL     time.Time
	LastFeedSyndicationURL time.Time
}

// HasFeature reports whether the source has the given feature enabled.
func (s *Source) HasFeature(f Feature) bool {
	for _, have := range s.Features {
		if have == f {
			return true
		}
	}
	return false
}

// PollPeriod returns how long to wait before the next poll.
//
// Sources get the fast period during a grace window after signup and while
// they are actively sending webmentions; sources that have never sent one, or
// haven't in over a month, drop to the slow period.
func (s *Source) PollPeriod(now time.Time, c Cadence) time.Duration {
	switch {
	case s.RateLimited:
		return c.RateLimitedPoll
	case now.Before(s.Created.Add(c.FastPollGrace)):
		return c.FastPoll
	case s.LastWebmentionSent.IsZero():
		return c.SlowPoll
	case s.LastWebmentionSent.After(now.Add(-7 * 24 * time.Hour)):
		return c.FastPoll
	case s.LastWebmentionSent.After(now.Add(-30 * 24 * time.Hour)):
		return c.FastPoll * 10
	default:
		return c.SlowPoll
	}
}

// ShouldRefetch reports whether the next poll should re-crawl the author's
// h-feed for updated syndication links.
func (s *Source) ShouldRefetch(c Cadence) bool {
	if s.LastHFeedRefetch.Equal(RefetchTrigger) {
		return true
	}
	if s.LastSyndicationURL.IsZero() {
		return false
	}
	period := c.SlowRefetch
	if s.LastSyndicationURL.After(s.LastPollAttempt.Add(-14 * 24 * time.Hour)) {
		period = c.FastRefetch
	}
	return !s.LastPollAttempt.Before(s.LastHFeedRefetch.Add(period))
}

// EscapeKeyID escapes ids that begin with the reserved double underscore
// prefix so they round-trip through the store.
func EscapeKeyID(id string) string {
	if strings.HasPrefix(id, "__") {
		return `\` + id
	}
	return id
}

// UnescapeKeyID reverses EscapeKeyID.
func UnescapeKeyID(id string) string {
	if strings.HasPrefix(id, `\`) {
		return id[1:]
	}
	return id
}

// SyndicatedPost records a discovered silo permalink <-> site permalink
// relationship under a source. Either side may be empty to record a confirmed
// absence.
type SyndicatedPost struct {
	SourceKind  string
	SourceID    string
	Syndication string
	Original    string
	Created     time.Time
	Updated     time.Time
}

// Activity is a stored silo activity, used by scrape-based adapters.
type Activity struct {
	ID           string // activity tag URI
	SourceKind   string
	SourceID     string
	ActivityJSON string
	HTML         string
	Created      time.Time
	Updated      time.Time
}

// Domain is a verified authored domain with tokens that authorize
// browser-extension writes.
type Domain struct {
	Domain  string
	Tokens  []string
	Created time.Time
	Updated time.Time
}

// HasToken reports whether the token authorizes writes for this domain.
func (d *Domain) HasToken(token string) bool {
	if token == "" {
		return false
	}
	for _, t := range d.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// PublishedPage groups Publish records that share a source page URL.
type PublishedPage struct {
	URL string
}

// PublishStatus is the lifecycle state of a Publish.
type PublishStatus string

// Publish status values.
const (
	PublishNew      PublishStatus = "new"
	PublishComplete PublishStatus = "complete"
	PublishFailed   PublishStatus = "failed"
	PublishDeleted  PublishStatus = "deleted"
)

// Publish is an outbound-direction record: a site post published into a
// silo. Only its interface boundary is used by the propagation core, which
// consults it to interpret HTTP 410 on silo post URLs as delete signals.
type Publish struct {
	PageURL       string // parent PublishedPage URL
	SourceKind    string
	SourceID      string
	Type          string
	Status        PublishStatus
	HTML          string
	MF2JSON       string
	PublishedJSON string
	Created       time.Time
	Updated       time.Time
}
