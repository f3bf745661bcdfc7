package ingress

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/nyx-relay/broker/pkg/errs"
)

// A submission arriving without a TLS connection state must be rejected
// before any dependency is touched, which is why a Server with every
// dependency nil is safe to drive here.
func TestSubmitRejectsConnectionWithoutTLS(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, nil, nil)

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(http.MethodPost)
	ctx.Request.SetRequestURI("/api/v1/messages")
	s.handleSubmit(&ctx)

	require.Equal(t, http.StatusUnauthorized, ctx.Response.StatusCode())
	require.Contains(t, string(ctx.Response.Body()), "TLS required")
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	require.Equal(t, http.StatusUnauthorized, statusFor(errs.Authenticationf("no cert")))
	require.Equal(t, http.StatusForbidden, statusFor(errs.Authorizationf("revoked")))
	require.Equal(t, http.StatusUnauthorized, statusFor(errs.Internalf(nil, "anything else")))
}

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "1", 1: "1", 9: "9", 42: "42", 7: "7", 100: "100"}
	for in, want := range cases {
		if got := itoa(in); got != want {
			t.Fatalf("itoa(%d) = %q, want %q", in, got, want)
		}
	}
}
