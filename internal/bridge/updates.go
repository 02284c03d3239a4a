package bridge

import "time"

// SourceUpdates stages source field changes accumulated during a poll so
// they can be written back in one transaction, the staged-updates pattern
// from the poll loop. Nil pointers mean "unchanged".
type SourceUpdates struct {
	Status             *SourceStatus
	PollStatus         *PollStatus
	RateLimited        *bool
	RecentPrivatePosts *int

	LastPolled         *time.Time
	LastPollAttempt    *time.Time
	LastWebmentionSent *time.Time
	LastPublicPost     *time.Time

	LastActivityID          *string
	LastActivitiesETag      *string
	LastActivitiesCacheJSON *string
	SeenResponsesCacheJSON  *string

	LastHFeedRefetch       *time.Time
	LastSyndicationURL     *time.Time
	LastFeedSyndicationURL *time.Time

	DomainURLs []string
	Domains    []string

	WebmentionEndpoint *string
}

// Apply copies the staged values onto the source.
func (u *SourceUpdates) Apply(s *Source) {
	if u == nil {
		return
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.PollStatus != nil {
		s.PollStatus = *u.PollStatus
	}
	if u.RateLimited != nil {
		s.RateLimited = *u.RateLimited
	}
	if u.RecentPrivatePosts != nil {
		s.RecentPrivatePosts = *u.RecentPrivatePosts
	}
	if u.LastPolled != nil {
		s.LastPolled = *u.LastPolled
	}
	if u.LastPollAttempt != nil {
		s.LastPollAttempt = *u.LastPollAttempt
	}
	if u.LastWebmentionSent != nil {
		s.LastWebmentionSent = *u.LastWebmentionSent
	}
	if u.LastPublicPost != nil {
		s.LastPublicPost = *u.LastPublicPost
	}
	if u.LastActivityID != nil {
		s.LastActivityID = *u.LastActivityID
	}
	if u.LastActivitiesETag != nil {
		s.LastActivitiesETag = *u.LastActivitiesETag
	}
	if u.LastActivitiesCacheJSON != nil {
		s.LastActivitiesCacheJSON = *u.LastActivitiesCacheJSON
	}
	if u.SeenResponsesCacheJSON != nil {
		s.SeenResponsesCacheJSON = *u.SeenResponsesCacheJSON
	}
	if u.LastHFeedRefetch != nil {
		s.LastHFeedRefetch = *u.LastHFeedRefetch
	}
	if u.LastSyndicationURL != nil {
		s.LastSyndicationURL = *u.LastSyndicationURL
	}
	if u.LastFeedSyndicationURL != nil {
		s.LastFeedSyndicationURL = *u.LastFeedSyndicationURL
	}
	if u.DomainURLs != nil {
		s.DomainURLs = u.DomainURLs
	}
	if u.Domains != nil {
		s.Domains = u.Domains
	}
	if u.WebmentionEndpoint != nil {
		s.WebmentionEndpoint = *u.WebmentionEndpoint
	}
}

// Ptr returns a pointer to v, a small helper for staging updates.
func Ptr[T any](v T) *T {
	return &v
}
