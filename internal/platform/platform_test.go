package platform

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

func TestNewRegisteredDrivers(t *testing.T) {
	t.Parallel()

	for _, p := range Registered() {
		d, err := New(p, Deps{})
		require.NoError(t, err)
		require.Equal(t, p, d.Platform())
		require.NotEmpty(t, d.Auth().CookieDomain)
	}
}

func TestNewUnregisteredPlatform(t *testing.T) {
	t.Parallel()

	_, err := New(crawler.PlatformXHS, Deps{})
	require.ErrorIs(t, err, crawler.ErrConfiguration)
	require.Contains(t, err.Error(), "no driver registered")
}
