package silo_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backfeed-project/backfeed/internal/silo"
	"github.com/backfeed-project/backfeed/internal/silo/silotest"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := silo.NewRegistry()
	fake := &silotest.Fake{}
	reg.Register(fake)

	got, ok := reg.Lookup(silotest.Name)
	require.True(t, ok)
	require.Same(t, fake, got)

	_, ok = reg.Lookup("nope")
	require.False(t, ok)

	require.Equal(t, []string{silotest.Name}, reg.Names())
	require.Equal(t, []string{silotest.Domain}, reg.Domains())

	require.Panics(t, func() { reg.Register(&silotest.Fake{}) })
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	disable := fmt.Errorf("fetch: %w", &silo.DisableSourceError{Cause: errors.New("401")})
	require.True(t, silo.IsDisableSource(disable))
	require.False(t, silo.IsDisableSource(errors.New("401")))

	limited := fmt.Errorf("fetch: %w", &silo.RateLimitedError{Cause: errors.New("429")})
	rl, ok := silo.AsRateLimited(limited)
	require.True(t, ok)
	require.Empty(t, rl.Partial)

	_, ok = silo.AsRateLimited(errors.New("429"))
	require.False(t, ok)
}

func TestFakeCanonicalizeURL(t *testing.T) {
	t.Parallel()

	fake := &silotest.Fake{}
	require.Equal(t, "https://fa.ke/post/A", fake.CanonicalizeURL("http://www.fa.ke/post/A/", nil))
	require.Equal(t, "https://fa.ke/post/A#c1", fake.CanonicalizeURL("https://fa.ke/post/A#c1", nil))
	require.Empty(t, fake.CanonicalizeURL("https://other.example/post/A", nil))

	fake.IgnoreFragments = true
	require.Equal(t, "https://fa.ke/post/A", fake.CanonicalizeURL("https://fa.ke/post/A#c1", nil))
}

func TestFakePostID(t *testing.T) {
	t.Parallel()

	fake := &silotest.Fake{}
	require.Equal(t, "123", fake.PostID("https://fa.ke/post/123"))
	require.Empty(t, fake.PostID("https://fa.ke/user/123"))
	require.Empty(t, fake.PostID("https://other.example/post/123"))
}
