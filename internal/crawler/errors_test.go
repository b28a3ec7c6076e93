package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("hydrate: %w", Errorf(KindRateLimited, "client.do", "code %d", 429))
	require.ErrorIs(t, err, ErrRateLimited)
	require.NotErrorIs(t, err, ErrNetwork)
	require.Equal(t, KindRateLimited, KindOf(err))
	require.Contains(t, err.Error(), "rate-limited")
}

func TestErrorIsMatchesSubkind(t *testing.T) {
	t.Parallel()

	err := DataFetchError("decode", SubkindTerminal, "note not visible")
	require.ErrorIs(t, err, ErrDataFetch)
	require.ErrorIs(t, err, &Error{Kind: KindDataFetch, Subkind: SubkindTerminal})
	require.NotErrorIs(t, err, &Error{Kind: KindDataFetch, Subkind: SubkindRetryable})
}

func TestKindOfClassifiesForeignErrors(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindCancelled, KindOf(context.Canceled))
	require.Equal(t, KindNetwork, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Retryable(NewError(KindNetwork, "op", errors.New("reset"))))
	require.True(t, Retryable(ErrRateLimited))
	require.True(t, Retryable(DataFetchError("op", SubkindRetryable, "busy")))
	require.False(t, Retryable(DataFetchError("op", SubkindTerminal, "gone")))
	require.False(t, Retryable(ErrAuthRequired))
	require.False(t, Retryable(ErrMalformedResponse))
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	require.Equal(t, 3, p.MaxAttempts())
	require.True(t, p.ShouldRetry(ErrNetwork, 1))
	require.False(t, p.ShouldRetry(ErrNetwork, 3))
	require.False(t, p.ShouldRetry(ErrForbidden, 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 0; attempt < 3; attempt++ {
		base := 5 * time.Second * time.Duration(1<<attempt)
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, base)
		require.Less(t, d, base+time.Second)
	}
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	p, err := ParsePlatform(" BILI ")
	require.NoError(t, err)
	require.Equal(t, PlatformBili, p)
	_, err = ParsePlatform("myspace")
	require.ErrorIs(t, err, ErrConfiguration)

	l, err := ParseLoginType("sms")
	require.NoError(t, err)
	require.Equal(t, LoginPhone, l)

	_, err = ParseMode("timeline")
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = ParseSaveOption("parquet")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestParseCookieStringRoundTrip(t *testing.T) {
	t.Parallel()

	cookies := ParseCookieString(" a1=x; web_session=abc=def ;bad; =nope; a1=y")
	require.Equal(t, []Cookie{{Name: "a1", Value: "y"}, {Name: "web_session", Value: "abc=def"}}, cookies)
	require.Equal(t, "a1=y; web_session=abc=def", CookieHeader(cookies))
	require.Equal(t, cookies, ParseCookieString(CookieHeader(cookies)))
}

func TestAuthSpecLoggedIn(t *testing.T) {
	t.Parallel()

	spec := AuthSpec{SessionCookie: "web_session", PreLoginValue: "guest"}
	require.False(t, spec.LoggedIn(nil))
	require.False(t, spec.LoggedIn([]Cookie{{Name: "web_session", Value: "guest"}}))
	require.True(t, spec.LoggedIn([]Cookie{{Name: "web_session", Value: "u-123"}}))
}
