package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/config"
	"github.com/backfeed-project/backfeed/internal/silo/silotest"
	"github.com/backfeed-project/backfeed/internal/tasks"
)

func (e *env) addDomain(t *testing.T, domain string, tokens ...string) {
	t.Helper()
	require.NoError(t, e.st.PutDomain(context.Background(), &bridge.Domain{
		Domain: domain,
		Tokens: tokens,
	}))
}

func TestBrowserStatus(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addSource(t, "alice.example")
	e.addDomain(t, "alice.example", "tok-1")

	rec := e.do(http.MethodPost, "/fake/browser/status?key=alice&token=tok-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "enabled")
}

func TestBrowserTokenMismatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addSource(t, "alice.example")
	e.addDomain(t, "alice.example", "tok-1")

	rec := e.do(http.MethodPost, "/fake/browser/status?key=alice&token=wrong", "", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPost, "/fake/browser/status?key=alice", "", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBrowserUnknownSource(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	rec := e.do(http.MethodPost, "/fake/browser/status?key=nobody&token=tok-1", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBrowserHomepage(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	actor := as1.Object{"id": silotest.TagURI("alice"), "username": "alice"}
	rec := e.do(http.MethodPost, "/fake/browser/homepage", "application/json", actor.Encode())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"alice"`)
}

func TestBrowserProfileCreatesSource(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addDomain(t, "alice.example", "tok-1")

	actor := as1.Object{
		"id":          silotest.TagURI("alice"),
		"username":    "alice",
		"displayName": "Alice",
		"url":         "http://alice.example/",
		"image":       map[string]any{"url": "http://fa.ke/alice.jpg"},
	}
	rec := e.do(http.MethodPost, "/fake/browser/profile?token=tok-1", "application/json", actor.Encode())
	require.Equal(t, http.StatusOK, rec.Code)

	src, err := e.st.GetSource(context.Background(), silotest.Name, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", src.Name)
	require.Equal(t, "http://fa.ke/alice.jpg", src.Picture)
	require.Equal(t, []string{"alice.example"}, src.Domains)
	require.Equal(t, bridge.SourceEnabled, src.Status)
}

func TestBrowserProfileTokenMismatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	actor := as1.Object{
		"id":       silotest.TagURI("alice"),
		"username": "alice",
		"url":      "http://alice.example/",
	}
	rec := e.do(http.MethodPost, "/fake/browser/profile?token=wrong", "application/json", actor.Encode())
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBrowserPostStoresActivityAndQueuesDiscovery(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addSource(t, "alice.example")
	e.addDomain(t, "alice.example", "tok-1")

	activity := silotest.Post("A", "alice")
	rec := e.do(http.MethodPost, "/fake/browser/post?key=alice&token=tok-1",
		"application/json", activity.Encode())
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := e.st.GetActivity(context.Background(), activity.ID())
	require.NoError(t, err)
	require.Equal(t, "alice", stored.SourceID)

	discovers := e.queue.byQueue(tasks.QueueDiscover)
	require.Len(t, discovers, 1)
	require.Equal(t, "A", discovers[0].Param("post_id"))
}

func TestBrowserLikesMergeIntoActivity(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addSource(t, "alice.example")
	e.addDomain(t, "alice.example", "tok-1")

	activity := silotest.Post("A", "alice")
	require.NoError(t, e.st.PutActivity(context.Background(), &bridge.Activity{
		ID:           activity.ID(),
		SourceKind:   silotest.Name,
		SourceID:     "alice",
		ActivityJSON: activity.Encode(),
	}))

	likes := []as1.Object{silotest.Like("bob", "A"), silotest.Like("carol", "A")}
	body, err := json.Marshal(likes)
	require.NoError(t, err)

	target := "/fake/browser/likes?key=alice&token=tok-1&id=" + url.QueryEscape(activity.ID())
	rec := e.do(http.MethodPost, target, "application/json", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := e.st.GetActivity(context.Background(), activity.ID())
	require.NoError(t, err)
	merged, err := as1.DecodeString(stored.ActivityJSON)
	require.NoError(t, err)
	require.Len(t, merged.Tags(), 2)

	// A repeated push does not duplicate the likes.
	rec = e.do(http.MethodPost, target, "application/json", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err = e.st.GetActivity(context.Background(), activity.ID())
	require.NoError(t, err)
	merged, err = as1.DecodeString(stored.ActivityJSON)
	require.NoError(t, err)
	require.Len(t, merged.Tags(), 2)
}

func TestBrowserLikesMissingPost(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addSource(t, "alice.example")
	e.addDomain(t, "alice.example", "tok-1")

	target := "/fake/browser/likes?key=alice&token=tok-1&id=" + url.QueryEscape(silotest.TagURI("missing"))
	rec := e.do(http.MethodPost, target, "application/json", "[]")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBrowserFeedStoresActivities(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addSource(t, "alice.example")
	e.addDomain(t, "alice.example", "tok-1")

	feed := []as1.Object{silotest.Post("A", "alice"), silotest.Post("B", "alice")}
	body, err := json.Marshal(feed)
	require.NoError(t, err)

	rec := e.do(http.MethodPost, "/fake/browser/feed?key=alice&token=tok-1",
		"application/json", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"stored":2`)

	_, err = e.st.GetActivity(context.Background(), feed[0].ID())
	require.NoError(t, err)
	_, err = e.st.GetActivity(context.Background(), feed[1].ID())
	require.NoError(t, err)
}

func TestBrowserPollEnqueues(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addSource(t, "alice.example")
	e.addDomain(t, "alice.example", "tok-1")

	rec := e.do(http.MethodPost, "/fake/browser/poll?key=alice&token=tok-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, e.queue.byQueue(tasks.QueuePollNow), 1)
}

func TestBrowserTokenDomains(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.Config{})
	e.addDomain(t, "alice.example", "tok-1")
	e.addDomain(t, "blog.alice.example", "tok-1", "tok-2")
	e.addDomain(t, "other.example", "tok-3")

	rec := e.do(http.MethodPost, "/fake/browser/token-domains?token=tok-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Domains []string `json:"domains"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, []string{"alice.example", "blog.alice.example"}, payload.Domains)
}
