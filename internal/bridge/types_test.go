package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPollPeriod(t *testing.T) {
	t.Parallel()

	c := DefaultCadence()
	day := 24 * time.Hour

	cases := []struct {
		name string
		src  Source
		want time.Duration
	}{
		{
			name: "new source in grace window",
			src:  Source{Created: now.Add(-2 * day)},
			want: c.FastPoll,
		},
		{
			name: "rate limited wins over grace",
			src:  Source{Created: now.Add(-2 * day), RateLimited: true},
			want: c.RateLimitedPoll,
		},
		{
			name: "never sent a webmention",
			src:  Source{Created: now.Add(-30 * day)},
			want: c.SlowPoll,
		},
		{
			name: "sent recently",
			src: Source{
				Created:            now.Add(-30 * day),
				LastWebmentionSent: now.Add(-3 * day),
			},
			want: c.FastPoll,
		},
		{
			name: "sent within a month",
			src: Source{
				Created:            now.Add(-90 * day),
				LastWebmentionSent: now.Add(-20 * day),
			},
			want: c.FastPoll * 10,
		},
		{
			name: "sent long ago",
			src: Source{
				Created:            now.Add(-90 * day),
				LastWebmentionSent: now.Add(-60 * day),
			},
			want: c.SlowPoll,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.src.PollPeriod(now, c))
		})
	}
}

func TestShouldRefetch(t *testing.T) {
	t.Parallel()

	c := DefaultCadence()
	day := 24 * time.Hour

	t.Run("sentinel forces refetch", func(t *testing.T) {
		t.Parallel()
		s := Source{LastHFeedRefetch: RefetchTrigger}
		require.True(t, s.ShouldRefetch(c))
	})

	t.Run("no syndication links ever found", func(t *testing.T) {
		t.Parallel()
		s := Source{LastPollAttempt: now, LastHFeedRefetch: now.Add(-30 * day)}
		require.False(t, s.ShouldRefetch(c))
	})

	t.Run("recent syndication uses fast period", func(t *testing.T) {
		t.Parallel()
		s := Source{
			LastPollAttempt:    now,
			LastSyndicationURL: now.Add(-1 * day),
			LastHFeedRefetch:   now.Add(-c.FastRefetch - time.Minute),
		}
		require.True(t, s.ShouldRefetch(c))

		s.LastHFeedRefetch = now.Add(-c.FastRefetch + time.Hour)
		require.False(t, s.ShouldRefetch(c))
	})

	t.Run("stale syndication uses slow period", func(t *testing.T) {
		t.Parallel()
		s := Source{
			LastPollAttempt:    now,
			LastSyndicationURL: now.Add(-60 * day),
			LastHFeedRefetch:   now.Add(-c.SlowRefetch - time.Minute),
		}
		require.True(t, s.ShouldRefetch(c))

		s.LastHFeedRefetch = now.Add(-c.FastRefetch - time.Minute)
		require.False(t, s.ShouldRefetch(c))
	})
}

func TestKeyIDEscaping(t *testing.T) {
	t.Parallel()

	require.Equal(t, `\__post__`, EscapeKeyID("__post__"))
	require.Equal(t, "__post__", UnescapeKeyID(`\__post__`))
	require.Equal(t, "normal", EscapeKeyID("normal"))
	require.Equal(t, "normal", UnescapeKeyID("normal"))
	require.Equal(t, "_single", EscapeKeyID("_single"))
}

func TestDeliveryMergeTargets(t *testing.T) {
	t.Parallel()

	d := Delivery{
		Unsent: []string{"http://a/1"},
		Sent:   []string{"http://a/2"},
		Failed: []string{"http://a/3"},
	}

	// already-known URLs never move between sets
	incoming := Delivery{Unsent: []string{"http://a/2", "http://a/3"}}
	require.False(t, d.MergeTargets(&incoming))
	require.Equal(t, []string{"http://a/1"}, d.Unsent)
	require.Equal(t, []string{"http://a/2"}, d.Sent)

	// new unsent URLs wake propagation
	incoming = Delivery{Unsent: []string{"http://a/4"}, Skipped: []string{"http://a/5"}}
	require.True(t, d.MergeTargets(&incoming))
	require.Equal(t, []string{"http://a/1", "http://a/4"}, d.Unsent)
	require.Equal(t, []string{"http://a/5"}, d.Skipped)

	// new skipped URLs alone do not
	incoming = Delivery{Skipped: []string{"http://a/6"}}
	require.False(t, d.MergeTargets(&incoming))
}

func TestDeliveryRestart(t *testing.T) {
	t.Parallel()

	d := Delivery{
		Status:      StatusComplete,
		LeasedUntil: now,
		Unsent:      []string{"http://a/1"},
		Sent:        []string{"http://a/2"},
		Error:       []string{"http://a/3"},
		Failed:      []string{"http://a/4"},
		Skipped:     []string{"http://a/5"},
	}
	d.RestartTargets()

	require.Equal(t, StatusNew, d.Status)
	require.True(t, d.LeasedUntil.IsZero())
	require.ElementsMatch(t,
		[]string{"http://a/1", "http://a/2", "http://a/3", "http://a/4", "http://a/5"},
		d.Unsent)
	require.Empty(t, d.Sent)
	require.Empty(t, d.Error)
	require.Empty(t, d.Failed)
	require.Empty(t, d.Skipped)
}

func TestDeliverySettled(t *testing.T) {
	t.Parallel()

	require.True(t, (&Delivery{Sent: []string{"http://a/1"}, Failed: []string{"http://a/2"}}).Settled())
	require.False(t, (&Delivery{Unsent: []string{"http://a/1"}}).Settled())
	require.False(t, (&Delivery{Error: []string{"http://a/1"}}).Settled())
}

func TestSourceUpdatesApply(t *testing.T) {
	t.Parallel()

	s := Source{Status: SourceEnabled, PollStatus: PollOK, LastActivityID: "5"}
	u := SourceUpdates{
		PollStatus:     Ptr(PollError),
		RateLimited:    Ptr(true),
		LastActivityID: Ptr("9"),
		LastPolled:     Ptr(now),
	}
	u.Apply(&s)

	require.Equal(t, SourceEnabled, s.Status)
	require.Equal(t, PollError, s.PollStatus)
	require.True(t, s.RateLimited)
	require.Equal(t, "9", s.LastActivityID)
	require.Equal(t, now, s.LastPolled)
	require.True(t, s.LastPollAttempt.IsZero())
}
