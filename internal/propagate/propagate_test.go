package propagate

import (
	"context"
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
	"github.com/backfeed-project/backfeed/internal/publisher"
	pubmemory "github.com/backfeed-project/backfeed/internal/publisher/memory"
	"github.com/backfeed-project/backfeed/internal/silo/silotest"
	"github.com/backfeed-project/backfeed/internal/store/memory"
	"github.com/backfeed-project/backfeed/internal/tasks"
	"github.com/backfeed-project/backfeed/internal/urls"
)

const baseURL = "https://backfeed.example"

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// wmTarget is an httptest server advertising a webmention endpoint at /wm.
// The endpoint's response status is controlled via status; received form
// values are recorded.
type wmTarget struct {
	srv    *httptest.Server
	status atomic.Int64

	mu      sync.Mutex
	sources []string
	targets []string
}

func newWMTarget(t *testing.T) *wmTarget {
	t.Helper()
	wt := &wmTarget{}
	wt.status.Store(http.StatusAccepted)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><link rel="webmention" href="/wm"></head><body>post</body></html>`)
	})
	mux.HandleFunc("/wm", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		wt.mu.Lock()
		wt.sources = append(wt.sources, r.PostFormValue("source"))
		wt.targets = append(wt.targets, r.PostFormValue("target"))
		wt.mu.Unlock()
		w.WriteHeader(int(wt.status.Load()))
	})
	wt.srv = httptest.NewServer(mux)
	t.Cleanup(wt.srv.Close)
	return wt
}

func (wt *wmTarget) received() ([]string, []string) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return append([]string(nil), wt.sources...), append([]string(nil), wt.targets...)
}

type env struct {
	st     *memory.Store
	events *pubmemory.Publisher
	clock  *fakeClock
	h      *Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New(clock)
	events := pubmemory.New()
	client := fetch.New(fetch.Config{Timeout: 5 * time.Second}, nil, nil, nil)
	endpoints := fetch.NewEndpointCache(2*time.Hour, clock)
	h := New(st, client, endpoints, events, clock, baseURL, 15, zap.NewNop())
	return &env{st: st, events: events, clock: clock, h: h}
}

func (e *env) addSource(t *testing.T, domains ...string) *bridge.Source {
	t.Helper()
	src := &bridge.Source{
		Kind:     silotest.Name,
		ID:       "alice",
		Features: []bridge.Feature{bridge.FeatureListen, bridge.FeatureWebmention},
		Status:   bridge.SourceEnabled,
		Domains:  domains,
	}
	require.NoError(t, e.st.PutSource(context.Background(), src))
	return src
}

func (e *env) addResponse(t *testing.T, unsent ...string) *bridge.Response {
	t.Helper()
	activity := as1.Object{"id": silotest.TagURI("A"), "url": "https://fa.ke/post/A"}
	comment := silotest.Comment("1", "commenter-1", "A")
	resp := &bridge.Response{
		Delivery: bridge.Delivery{
			SourceKind: silotest.Name,
			SourceID:   "alice",
			Status:     bridge.StatusNew,
			Unsent:     unsent,
		},
		ID:             silotest.TagURI("1"),
		Type:           bridge.TypeComment,
		ActivitiesJSON: []string{activity.Encode()},
		ResponseJSON:   comment.Encode(),
	}
	require.NoError(t, e.st.PutResponse(context.Background(), resp))
	return resp
}

func responseTask(resp *bridge.Response) tasks.Task {
	return tasks.Task{
		Queue:  tasks.QueuePropagate,
		Params: map[string]string{"response_id": resp.ID},
	}
}

func TestPropagateSendsWebmention(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	wt := newWMTarget(t)
	target := wt.srv.URL + "/post"
	e.addSource(t, urls.Domain(wt.srv.URL))
	resp := e.addResponse(t, target)
	ctx := context.Background()

	require.NoError(t, e.h.HandleResponse(ctx, responseTask(resp)))

	sources, targets := wt.received()
	require.Equal(t, []string{baseURL + "/comment/fake/alice/A/1"}, sources)
	require.Equal(t, []string{target}, targets)

	reloaded, err := e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Equal(t, []string{target}, reloaded.Sent)
	require.Empty(t, reloaded.Unsent)
	require.True(t, reloaded.LeasedUntil.IsZero())

	src, err := e.st.GetSource(ctx, silotest.Name, "alice")
	require.NoError(t, err)
	require.Equal(t, e.clock.now, src.LastWebmentionSent)
	require.Equal(t, wt.srv.URL+"/wm", src.WebmentionEndpoint)

	events := e.events.Events()
	require.Len(t, events, 1)
	require.Equal(t, publisher.Event{
		Kind:        "response",
		ID:          resp.ID,
		SourceKind:  silotest.Name,
		SourceID:    "alice",
		Status:      string(bridge.StatusComplete),
		Sent:        []string{target},
		CompletedAt: e.clock.now,
	}, events[0])
}

func TestPropagateNoEndpointSkips(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>no webmention here</body></html>`)
	}))
	t.Cleanup(srv.Close)

	e.addSource(t)
	resp := e.addResponse(t, srv.URL+"/")
	ctx := context.Background()

	require.NoError(t, e.h.HandleResponse(ctx, responseTask(resp)))

	reloaded, err := e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Equal(t, []string{srv.URL + "/"}, reloaded.Skipped)
	require.Empty(t, reloaded.Sent)
	require.Empty(t, reloaded.Unsent)
}

func TestPropagateEndpointErrorRetries(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	wt := newWMTarget(t)
	wt.status.Store(http.StatusServiceUnavailable)
	target := wt.srv.URL + "/post"
	e.addSource(t)
	resp := e.addResponse(t, target)
	ctx := context.Background()

	err := e.h.HandleResponse(ctx, responseTask(resp))
	require.Error(t, err)
	require.False(t, tasks.IsPermanent(err))

	reloaded, err := e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusNew, reloaded.Status)
	require.Equal(t, []string{target}, reloaded.Error)
	require.Empty(t, e.events.Events())

	// The endpoint recovers; the retry drains the error set.
	wt.status.Store(http.StatusAccepted)
	retry := responseTask(resp)
	retry.Attempt = 1
	require.NoError(t, e.h.HandleResponse(ctx, retry))

	reloaded, err = e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Equal(t, []string{target}, reloaded.Sent)
	require.Empty(t, reloaded.Error)
}

func TestPropagateRetriesExhaustedFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	wt := newWMTarget(t)
	wt.status.Store(http.StatusServiceUnavailable)
	target := wt.srv.URL + "/post"
	e.addSource(t)
	resp := e.addResponse(t, target)
	ctx := context.Background()

	task := responseTask(resp)
	task.Attempt = 14 // final attempt for maxAttempts=15
	require.NoError(t, e.h.HandleResponse(ctx, task))

	reloaded, err := e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Equal(t, []string{target}, reloaded.Failed)
	require.Empty(t, reloaded.Error)
}

func TestPropagateEndpointRejectionFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	wt := newWMTarget(t)
	wt.status.Store(http.StatusBadRequest)
	target := wt.srv.URL + "/post"
	e.addSource(t)
	resp := e.addResponse(t, target)
	ctx := context.Background()

	require.NoError(t, e.h.HandleResponse(ctx, responseTask(resp)))

	reloaded, err := e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Equal(t, []string{target}, reloaded.Failed)
}

func TestPropagateEndpointDeclinesSkips(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	wt := newWMTarget(t)
	wt.status.Store(http.StatusNoContent)
	target := wt.srv.URL + "/post"
	e.addSource(t)
	resp := e.addResponse(t, target)
	ctx := context.Background()

	require.NoError(t, e.h.HandleResponse(ctx, responseTask(resp)))

	reloaded, err := e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Equal(t, []string{target}, reloaded.Skipped)
	require.Empty(t, reloaded.Sent)
}

func TestPropagateDropsCompleteDuplicate(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addSource(t)
	resp := e.addResponse(t)
	ctx := context.Background()
	_, err := e.st.UpdateResponse(ctx, resp.ID, func(r *bridge.Response) error {
		r.Status = bridge.StatusComplete
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.h.HandleResponse(ctx, responseTask(resp)))
	require.Empty(t, e.events.Events())
}

func TestPropagateLeaseIsSingleFlight(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addSource(t)
	resp := e.addResponse(t, "http://unreachable.example/")
	ctx := context.Background()
	_, err := e.st.UpdateResponse(ctx, resp.ID, func(r *bridge.Response) error {
		r.Status = bridge.StatusProcessing
		r.LeasedUntil = e.clock.now.Add(5 * time.Minute)
		return nil
	})
	require.NoError(t, err)

	err = e.h.HandleResponse(ctx, responseTask(resp))
	require.ErrorIs(t, err, errLeased)

	// An expired lease is reclaimed.
	e.clock.now = e.clock.now.Add(6 * time.Minute)
	err = e.h.HandleResponse(ctx, responseTask(resp))
	require.Error(t, err)
	require.NotErrorIs(t, err, errLeased)
}

func TestPropagateNonPublicCompletesSilently(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addSource(t)
	ctx := context.Background()

	private := as1.Object{
		"id":      silotest.TagURI("1"),
		"content": "secret",
		"to":      []any{map[string]any{"objectType": "group", "alias": "@private"}},
	}
	resp := &bridge.Response{
		Delivery: bridge.Delivery{
			SourceKind: silotest.Name,
			SourceID:   "alice",
			Status:     bridge.StatusNew,
			Unsent:     []string{"http://never-contacted.example/"},
		},
		ID:           silotest.TagURI("1"),
		Type:         bridge.TypeComment,
		ResponseJSON: private.Encode(),
	}
	require.NoError(t, e.st.PutResponse(ctx, resp))

	require.NoError(t, e.h.HandleResponse(ctx, responseTask(resp)))

	reloaded, err := e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Empty(t, reloaded.Sent)
}

func TestPropagateLikeSourceURL(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	wt := newWMTarget(t)
	target := wt.srv.URL + "/post"
	e.addSource(t)
	ctx := context.Background()

	activity := as1.Object{"id": silotest.TagURI("A"), "url": "https://fa.ke/post/A"}
	like := silotest.Like("bob", "A")
	resp := &bridge.Response{
		Delivery: bridge.Delivery{
			SourceKind: silotest.Name,
			SourceID:   "alice",
			Status:     bridge.StatusNew,
			Unsent:     []string{target},
		},
		ID:             like.ID(),
		Type:           bridge.TypeLike,
		ActivitiesJSON: []string{activity.Encode()},
		ResponseJSON:   like.Encode(),
	}
	require.NoError(t, e.st.PutResponse(ctx, resp))

	require.NoError(t, e.h.HandleResponse(ctx, responseTask(resp)))

	sources, _ := wt.received()
	require.Equal(t, []string{baseURL + "/like/fake/alice/A/bob"}, sources)
}

func TestPropagateBlogPost(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	wt := newWMTarget(t)
	target := wt.srv.URL + "/post"
	e.addSource(t)
	ctx := context.Background()

	post := &bridge.BlogPost{
		Delivery: bridge.Delivery{
			SourceKind: silotest.Name,
			SourceID:   "alice",
			Status:     bridge.StatusNew,
			Unsent:     []string{target},
		},
		URL: "http://blog.example/my-post",
	}
	require.NoError(t, e.st.PutBlogPost(ctx, post))

	require.NoError(t, e.h.HandleBlogPost(ctx, tasks.Task{
		Queue:  tasks.QueuePropagateBlogPost,
		Params: map[string]string{"url": post.URL},
	}))

	sources, targets := wt.received()
	require.Equal(t, []string{post.URL}, sources)
	require.Equal(t, []string{target}, targets)

	reloaded, err := e.st.GetBlogPost(ctx, post.URL)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Equal(t, []string{target}, reloaded.Sent)

	events := e.events.Events()
	require.Len(t, events, 1)
	require.Equal(t, "blogpost", events[0].Kind)
}

func TestPropagateTooLongTargetFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addSource(t)
	longTarget := "http://example.com/" + strings.Repeat("a", 2*bridge.MaxStringLength)
	resp := e.addResponse(t, longTarget)
	ctx := context.Background()

	require.NoError(t, e.h.HandleResponse(ctx, responseTask(resp)))

	reloaded, err := e.st.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, bridge.StatusComplete, reloaded.Status)
	require.Len(t, reloaded.Failed, 1)
	require.Len(t, reloaded.Failed[0], bridge.MaxStringLength-1)
}
