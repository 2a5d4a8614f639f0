package clientip_test

import (
	"net/http/httptest"
	"testing"

	"github.com/giftlane/relay/utils/pkg/clientip"
	"github.com/stretchr/testify/require"
)

func TestRelay_ClientIP_FromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:4312"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	r.Header.Set("X-Real-IP", "198.51.100.2")

	require.Equal(t, "10.0.0.5", clientip.FromRequest(r, false))
	require.Equal(t, "203.0.113.9", clientip.FromRequest(r, true))

	r.Header.Set("X-Forwarded-For", "garbage")
	require.Equal(t, "198.51.100.2", clientip.FromRequest(r, true))

	r.Header.Del("X-Real-IP")
	require.Equal(t, "10.0.0.5", clientip.FromRequest(r, true))
}
