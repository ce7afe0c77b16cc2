package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amqpprox/amqpprox/internal/resolver"
)

func TestAlwaysAllowInterceptorAllows(t *testing.T) {
	var got Response
	AlwaysAllowInterceptor{}.Authenticate(context.Background(), Request{Vhost: "/prod"}, func(r Response) { got = r })
	require.Equal(t, Allow, got.Result)
}

func TestHTTPInterceptorAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "/prod", req.Vhost)
		json.NewEncoder(w).Encode(Response{Result: Allow})
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	res := resolver.New(time.Minute)
	interceptor := NewHTTPInterceptor(host, port, "/auth", res)

	var got Response
	interceptor.Authenticate(context.Background(), Request{Vhost: "/prod"}, func(r Response) { got = r })
	require.Equal(t, Allow, got.Result)
}

func TestHTTPInterceptorDeny(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Result: Deny, Reason: "bad credentials"})
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	interceptor := NewHTTPInterceptor(host, port, "/auth", resolver.New(time.Minute))

	var got Response
	interceptor.Authenticate(context.Background(), Request{Vhost: "/prod"}, func(r Response) { got = r })
	require.Equal(t, Deny, got.Result)
	require.Equal(t, "bad credentials", got.Reason)
}

func splitHostPort(t *testing.T, url string) (string, int) {
	t.Helper()
	rest := strings.TrimPrefix(url, "http://")
	parts := strings.SplitN(rest, ":", 2)
	require.Len(t, parts, 2)
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)
	return parts[0], port
}
