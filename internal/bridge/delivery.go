package bridge

import "time"

// Delivery is the shared shape of entities that carry webmention targets
// through the send pipeline: Response and BlogPost.
//
// The five target sets are disjoint at all times. A URL in Sent stays there
// until an explicit restart.
type Delivery struct {
	SourceKind string
	SourceID   string

	Status      DeliveryStatus
	LeasedUntil time.Time
	Created     time.Time
	Updated     time.Time

	Unsent  []string
	Sent    []string
	Error   []string
	Failed  []string
	Skipped []string
}

// AllTargets returns the union of the five target sets, insertion ordered.
func (d *Delivery) AllTargets() []string {
	all := make([]string, 0, len(d.Unsent)+len(d.Sent)+len(d.Error)+len(d.Failed)+len(d.Skipped))
	seen := make(map[string]struct{})
	for _, set := range [][]string{d.Unsent, d.Sent, d.Error, d.Failed, d.Skipped} {
		for _, u := range set {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				all = append(all, u)
			}
		}
	}
	return all
}

// MergeTargets unions the incoming delivery's target sets into this one,
// never moving a URL that is already in any set. It reports whether any new
// unsent or error URLs appeared, ie whether a propagate task is warranted.
func (d *Delivery) MergeTargets(incoming *Delivery) bool {
	known := make(map[string]struct{})
	for _, u := range d.AllTargets() {
		known[u] = struct{}{}
	}

	propagate := false
	merge := func(dst *[]string, src []string, wakes bool) {
		for _, u := range src {
			if _, ok := known[u]; ok {
				continue
			}
			known[u] = struct{}{}
			*dst = append(*dst, u)
			if wakes {
				propagate = true
			}
		}
	}
	merge(&d.Unsent, incoming.Unsent, true)
	merge(&d.Error, incoming.Error, true)
	merge(&d.Sent, incoming.Sent, false)
	merge(&d.Failed, incoming.Failed, false)
	merge(&d.Skipped, incoming.Skipped, false)
	return propagate
}

// RestartTargets folds every target set back into Unsent and resets the
// status, preserving the overall URL set.
func (d *Delivery) RestartTargets() {
	d.Unsent = d.AllTargets()
	d.Sent = nil
	d.Error = nil
	d.Failed = nil
	d.Skipped = nil
	d.Status = StatusNew
	d.LeasedUntil = time.Time{}
}

// Settled reports whether propagation has nothing left to do.
func (d *Delivery) Settled() bool {
	return len(d.Unsent) == 0 && len(d.Error) == 0
}

// Response is one silo comment, like, repost, or RSVP awaiting or completed
// delivery. The key is the response object id as a tag URI.
type Response struct {
	Delivery

	ID   string
	Type string

	// Parent activities, preserved verbatim as marshaled AS1.
	ActivitiesJSON []string
	ResponseJSON   string
	// Previous snapshots, newest first, populated when the silo reports a
	// changed response.
	OldResponseJSONs []string
	// JSON map of target URL to activity index, set only when there is more
	// than one parent activity.
	URLsToActivityJSON string
	// Targets that came from original post discovery.
	OriginalPosts []string
}

// BlogPost is one outbound blog post carrying links to send webmentions to.
// The key is the post permalink URL.
type BlogPost struct {
	Delivery

	URL          string
	FeedItemJSON string
}
