package poll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/fetch"
	"github.com/backfeed-project/backfeed/internal/opd"
	"github.com/backfeed-project/backfeed/internal/silo"
	"github.com/backfeed-project/backfeed/internal/silo/silotest"
	"github.com/backfeed-project/backfeed/internal/store"
	"github.com/backfeed-project/backfeed/internal/store/memory"
	"github.com/backfeed-project/backfeed/internal/tasks"
	"github.com/backfeed-project/backfeed/internal/urls"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeQueue struct {
	mu    sync.Mutex
	added []tasks.Task
}

func (q *fakeQueue) Add(_ context.Context, t tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.added = append(q.added, t)
	return nil
}

func (q *fakeQueue) byQueue(name string) []tasks.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []tasks.Task
	for _, t := range q.added {
		if t.Queue == name {
			out = append(out, t)
		}
	}
	return out
}

type env struct {
	st     *memory.Store
	queue  *fakeQueue
	fake   *silotest.Fake
	h      *Handler
	clock  *fakeClock
	srv    *httptest.Server
	synd   *atomic.Value
	crawls *atomic.Int64
}

// newEnv builds a handler over the memory store, a recording queue, the fake
// silo, and an author site whose single h-entry syndicates to the URL in
// env.synd.
func newEnv(t *testing.T) *env {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New(clock)
	queue := &fakeQueue{}
	fake := &silotest.Fake{}
	registry := silo.NewRegistry()
	registry.Register(fake)

	var synd atomic.Value
	synd.Store("http://fa.ke/post/A")
	var crawls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		crawls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		link := ""
		if s := synd.Load().(string); s != "" {
			link = fmt.Sprintf(`<a class="u-syndication" href="%s"></a>`, s)
		}
		fmt.Fprintf(w, `<html><body><div class="h-feed">
			<article class="h-entry"><a class="u-url" href="/entry">post</a>%s</article>
		</div></body></html>`, link)
	})
	mux.HandleFunc("/entry", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><article class="h-entry"><a class="u-url" href="/entry">post</a></article></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := fetch.New(fetch.Config{Timeout: 5 * time.Second}, nil, nil, nil)
	discovery := opd.New(st, client, clock, zap.NewNop())
	endpoints := fetch.NewEndpointCache(2*time.Hour, clock)

	h := New(st, queue, registry, discovery, endpoints, clock, Config{}, zap.NewNop())
	h.jitter = func() float64 { return 0.5 } // delay = exactly one poll period

	return &env{st: st, queue: queue, fake: fake, h: h, clock: clock,
		srv: srv, synd: &synd, crawls: &crawls}
}

func (e *env) addSource(t *testing.T) *bridge.Source {
	t.Helper()
	src := &bridge.Source{
		Kind:       silotest.Name,
		ID:         "alice",
		Features:   []bridge.Feature{bridge.FeatureListen},
		Status:     bridge.SourceEnabled,
		DomainURLs: []string{e.srv.URL + "/"},
		Domains:    []string{urls.Domain(e.srv.URL)},
		Created:    e.clock.now.Add(-time.Hour),
	}
	require.NoError(t, e.st.PutSource(context.Background(), src))
	return src
}

func pollTask(src *bridge.Source) tasks.Task {
	return tasks.Task{
		Queue: tasks.QueuePoll,
		Params: map[string]string{
			"source_kind": src.Kind,
			"source_id":   src.ID,
			"last_polled": src.LastPolled.UTC().Format(lastPolledFormat),
		},
	}
}

func TestPollExtractsComment(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	e.fake.Activities = []as1.Object{silotest.Post("A", "alice", "1")}
	ctx := context.Background()

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	resp, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.NoError(t, err)
	require.Equal(t, bridge.TypeComment, resp.Type)
	require.Equal(t, bridge.StatusNew, resp.Status)
	require.Equal(t, []string{e.srv.URL + "/entry"}, resp.Unsent)
	require.Equal(t, []string{e.srv.URL + "/entry"}, resp.OriginalPosts)
	require.Len(t, resp.ActivitiesJSON, 1)
	require.Empty(t, resp.URLsToActivityJSON)

	propagates := e.queue.byQueue(tasks.QueuePropagate)
	require.Len(t, propagates, 1)
	require.Equal(t, silotest.TagURI("1"), propagates[0].Param("response_id"))

	reloaded, err := e.st.GetSource(ctx, src.Kind, src.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.PollOK, reloaded.PollStatus)
	require.Equal(t, e.clock.now, reloaded.LastPolled)
	require.Equal(t, "A", reloaded.LastActivityID)
	require.Contains(t, reloaded.SeenResponsesCacheJSON, silotest.TagURI("1"))
	require.Contains(t, reloaded.LastActivitiesCacheJSON, silotest.TagURI("A"))

	// Next poll runs one fast period out, carrying the new last_polled.
	next := e.queue.byQueue(tasks.QueuePoll)
	require.Len(t, next, 1)
	require.Equal(t, e.clock.now.Add(30*time.Minute), next[0].ETA)
	require.Equal(t, reloaded.LastPolled.UTC().Format(lastPolledFormat),
		next[0].Param("last_polled"))
}

func TestPollIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	e.fake.Activities = []as1.Object{silotest.Post("A", "alice", "1")}
	ctx := context.Background()

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))
	first, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.NoError(t, err)

	reloaded, err := e.st.GetSource(ctx, src.Kind, src.ID)
	require.NoError(t, err)
	require.NoError(t, e.h.HandlePoll(ctx, pollTask(reloaded)))

	second, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.NoError(t, err)
	require.Equal(t, first.Unsent, second.Unsent)
	require.Equal(t, first.Status, second.Status)
	require.Empty(t, second.OldResponseJSONs)
	require.Len(t, e.queue.byQueue(tasks.QueuePropagate), 1)
}

func TestPollDropsStaleTask(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	e.fake.Activities = []as1.Object{silotest.Post("A", "alice", "1")}

	stale := pollTask(src)
	stale.Params["last_polled"] = "2020-01-01-00-00-00"
	require.NoError(t, e.h.HandlePoll(context.Background(), stale))
	require.Empty(t, e.fake.FetchCalls)
	require.Empty(t, e.queue.added)
}

func TestPollDisablesSourceOnRevokedAccess(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	e.fake.FetchErr = &silo.DisableSourceError{Cause: errors.New("401 unauthorized")}
	ctx := context.Background()

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	reloaded, err := e.st.GetSource(ctx, src.Kind, src.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.SourceDisabled, reloaded.Status)
	require.Empty(t, e.queue.byQueue(tasks.QueuePoll))
}

func TestPollErrorRetries(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	e.fake.FetchErr = errors.New("503 service unavailable")
	ctx := context.Background()

	err := e.h.HandlePoll(ctx, pollTask(src))
	require.Error(t, err)
	require.False(t, tasks.IsPermanent(err))

	reloaded, err := e.st.GetSource(ctx, src.Kind, src.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.PollError, reloaded.PollStatus)
	require.Empty(t, e.queue.byQueue(tasks.QueuePoll))
}

func TestPollRateLimitedUsesPartialResults(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	e.fake.FetchErr = &silo.RateLimitedError{
		Partial: []as1.Object{silotest.Post("A", "alice", "1")},
		Cause:   errors.New("429 too many requests"),
	}
	ctx := context.Background()

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	resp, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.NoError(t, err)
	require.Equal(t, []string{e.srv.URL + "/entry"}, resp.Unsent)

	reloaded, err := e.st.GetSource(ctx, src.Kind, src.ID)
	require.NoError(t, err)
	require.True(t, reloaded.RateLimited)

	// The next poll backs off to the rate-limited period.
	next := e.queue.byQueue(tasks.QueuePoll)
	require.Len(t, next, 1)
	require.Equal(t, e.clock.now.Add(24*time.Hour), next[0].ETA)
}

func TestPollContentChangedRestartsResponse(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	ctx := context.Background()

	old := as1.Object{
		"id":         silotest.TagURI("1"),
		"objectType": "comment",
		"content":    "first draft",
		"author":     map[string]any{"id": silotest.TagURI("commenter-1")},
		"inReplyTo":  []any{map[string]any{"url": "https://old.example/y"}},
	}
	require.NoError(t, e.st.PutResponse(ctx, &bridge.Response{
		Delivery: bridge.Delivery{
			SourceKind: src.Kind,
			SourceID:   src.ID,
			Status:     bridge.StatusComplete,
			Sent:       []string{e.srv.URL + "/entry"},
		},
		ID:           silotest.TagURI("1"),
		Type:         bridge.TypeComment,
		ResponseJSON: old.Encode(),
	}))

	e.fake.Activities = []as1.Object{silotest.Post("A", "alice", "1")}
	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	resp, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.NoError(t, err)
	require.Equal(t, bridge.StatusNew, resp.Status)
	require.Equal(t, []string{e.srv.URL + "/entry"}, resp.Unsent)
	require.Empty(t, resp.Sent)
	require.Len(t, resp.OldResponseJSONs, 1)
	require.Contains(t, resp.OldResponseJSONs[0], "first draft")

	// The old inReplyTo is merged alongside the new one.
	merged, err := as1.DecodeString(resp.ResponseJSON)
	require.NoError(t, err)
	require.Len(t, merged.List("inReplyTo"), 2)

	require.Len(t, e.queue.byQueue(tasks.QueuePropagate), 1)
}

func TestPollSkipsOwnAndBlockedResponses(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	ctx := context.Background()
	src.BlockedIDs = []string{"commenter-2"}
	require.NoError(t, e.st.PutSource(ctx, src))

	post := silotest.Post("A", "alice")
	obj := post.Inner()
	obj["replies"] = map[string]any{"items": []any{
		map[string]any(silotest.Comment("1", "alice", "A")),
		map[string]any(silotest.Comment("2", "commenter-2", "A")),
	}}
	e.fake.Activities = []as1.Object{post}

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	_, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.st.GetResponse(ctx, silotest.TagURI("2"))
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, e.queue.byQueue(tasks.QueuePropagate))
}

func TestPollSkipsNonPublicActivities(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	ctx := context.Background()

	private := silotest.Post("A", "alice", "1")
	private["to"] = []any{map[string]any{"objectType": "group", "alias": "@private"}}
	e.fake.Activities = []as1.Object{private}

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	_, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.ErrorIs(t, err, store.ErrNotFound)

	reloaded, err := e.st.GetSource(ctx, src.Kind, src.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.RecentPrivatePosts)
}

func TestPollRequiresSyndicationLink(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	e.synd.Store("") // author site stops syndicating
	e.fake.RequiresSyndicationLink = true
	e.fake.Activities = []as1.Object{silotest.Post("A", "alice", "1")}
	ctx := context.Background()

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	_, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPollRefetchSentinelForcesCrawl(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	ctx := context.Background()
	src.LastHFeedRefetch = bridge.RefetchTrigger
	require.NoError(t, e.st.PutSource(ctx, src))

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	require.Greater(t, e.crawls.Load(), int64(0))
	reloaded, err := e.st.GetSource(ctx, src.Kind, src.ID)
	require.NoError(t, err)
	require.Equal(t, e.clock.now, reloaded.LastHFeedRefetch)
}

func TestPollRefetchRepropagatesOldResponses(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	ctx := context.Background()
	src.LastHFeedRefetch = bridge.RefetchTrigger
	require.NoError(t, e.st.PutSource(ctx, src))

	activity := as1.Object{
		"id":  silotest.TagURI("A"),
		"url": "https://fa.ke/post/A",
	}
	require.NoError(t, e.st.PutResponse(ctx, &bridge.Response{
		Delivery: bridge.Delivery{
			SourceKind: src.Kind,
			SourceID:   src.ID,
			Status:     bridge.StatusComplete,
		},
		ID:             silotest.TagURI("r1"),
		Type:           bridge.TypeComment,
		ActivitiesJSON: []string{activity.Encode()},
	}))

	// The refetch discovers the entry as a new original for post A and
	// re-opens the response against it.
	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	resp, err := e.st.GetResponse(ctx, silotest.TagURI("r1"))
	require.NoError(t, err)
	require.Equal(t, bridge.StatusNew, resp.Status)
	require.Equal(t, []string{e.srv.URL + "/entry"}, resp.Unsent)
	require.Len(t, e.queue.byQueue(tasks.QueuePropagate), 1)
}

func TestPollUserMention(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	ctx := context.Background()

	mention := as1.Object{
		"id":  silotest.TagURI("M"),
		"url": "https://fa.ke/post/M",
		"object": map[string]any{
			"id":      silotest.TagURI("M"),
			"url":     "https://fa.ke/post/M",
			"content": "hey @alice",
			"author":  map[string]any{"id": silotest.TagURI("bob")},
			"tags": []any{map[string]any{
				"objectType": "person",
				"id":         silotest.TagURI("alice"),
				"urls":       []any{map[string]any{"value": e.srv.URL + "/"}},
			}},
		},
	}
	e.fake.Activities = []as1.Object{mention}

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	resp, err := e.st.GetResponse(ctx, silotest.TagURI("M"))
	require.NoError(t, err)
	require.Equal(t, bridge.TypePost, resp.Type)
	require.Contains(t, resp.Unsent, e.srv.URL+"/")
	require.Len(t, e.queue.byQueue(tasks.QueuePropagate), 1)
}

func TestPollTooLongTargetFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	ctx := context.Background()

	long := e.srv.URL + "/" + strings.Repeat("a", 600)
	mention := as1.Object{
		"id":  silotest.TagURI("M"),
		"url": "https://fa.ke/post/M",
		"object": map[string]any{
			"id":     silotest.TagURI("M"),
			"url":    "https://fa.ke/post/M",
			"author": map[string]any{"id": silotest.TagURI("bob")},
			"tags": []any{map[string]any{
				"objectType": "person",
				"id":         silotest.TagURI("alice"),
				"urls":       []any{map[string]any{"value": long}},
			}},
		},
	}
	e.fake.Activities = []as1.Object{mention}

	require.NoError(t, e.h.HandlePoll(ctx, pollTask(src)))

	resp, err := e.st.GetResponse(ctx, silotest.TagURI("M"))
	require.NoError(t, err)
	require.Empty(t, resp.Unsent)
	require.Len(t, resp.Failed, 1)
	require.Len(t, resp.Failed[0], bridge.MaxStringLength-1)
	require.True(t, strings.HasSuffix(resp.Failed[0], "..."))
	require.Equal(t, bridge.StatusComplete, resp.Status)
	require.Empty(t, e.queue.byQueue(tasks.QueuePropagate))
}

func TestHandleDiscover(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	e.fake.Activities = []as1.Object{silotest.Post("A", "alice", "1")}
	ctx := context.Background()

	require.NoError(t, e.h.HandleDiscover(ctx, tasks.Task{
		Queue: tasks.QueueDiscover,
		Params: map[string]string{
			"source_kind": src.Kind,
			"source_id":   src.ID,
			"post_id":     "A",
		},
	}))

	resp, err := e.st.GetResponse(ctx, silotest.TagURI("1"))
	require.NoError(t, err)
	require.Equal(t, []string{e.srv.URL + "/entry"}, resp.Unsent)
	require.Len(t, e.queue.byQueue(tasks.QueuePropagate), 1)
	// Discover tasks never reschedule polls.
	require.Empty(t, e.queue.byQueue(tasks.QueuePoll))
}

func TestRestartAugmentsWithSyndicatedOriginals(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := e.addSource(t)
	ctx := context.Background()

	_, err := e.st.InsertSyndicatedPost(ctx, src.Kind, src.ID,
		"https://fa.ke/post/A", e.srv.URL+"/entry")
	require.NoError(t, err)

	activity := as1.Object{"id": silotest.TagURI("A"), "url": "http://fa.ke/post/A"}
	require.NoError(t, e.st.PutResponse(ctx, &bridge.Response{
		Delivery: bridge.Delivery{
			SourceKind: src.Kind,
			SourceID:   src.ID,
			Status:     bridge.StatusComplete,
			Sent:       []string{"https://other.example/post"},
		},
		ID:             silotest.TagURI("r1"),
		Type:           bridge.TypeComment,
		ActivitiesJSON: []string{activity.Encode()},
	}))

	resp, err := e.h.Restart(ctx, silotest.TagURI("r1"))
	require.NoError(t, err)
	require.Equal(t, bridge.StatusNew, resp.Status)
	require.ElementsMatch(t,
		[]string{"https://other.example/post", e.srv.URL + "/entry"}, resp.Unsent)
	require.Empty(t, resp.Sent)
	require.Len(t, e.queue.byQueue(tasks.QueuePropagate), 1)
}

func TestMaxActivityID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "10", maxActivityID("9", "10"))
	require.Equal(t, "10", maxActivityID("10", "9"))
	require.Equal(t, "b", maxActivityID("a", "b"))
	require.Equal(t, "a", maxActivityID("a", ""))
	require.Equal(t, "a", maxActivityID("", "a"))
}
