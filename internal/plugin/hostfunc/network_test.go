// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
	"github.com/sandhost/sandhost/pkg/errutil"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
		case "/fail":
			w.WriteHeader(http.StatusBadGateway)
		case "/redirect":
			http.Redirect(w, r, "http://forbidden.example/", http.StatusFound)
		default:
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Echo-Method", r.Method)
			w.Header().Set("X-Echo-Plugin", r.Header.Get("X-Sandhost-Plugin"))
			w.Header().Set("X-Echo-Custom", r.Header.Get("X-Custom"))
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNetwork_Fetch(t *testing.T) {
	srv := newEchoServer(t)
	g := newGuest(t, newFunctions(t), "alpha", []string{"network"}, false)
	g.L.SetGlobal("base", lua.LString(srv.URL))

	require.NoError(t, g.L.DoString(`
		resp, err = api.network.request{
			url = base .. "/echo",
			method = "post",
			body = "hello",
			headers = { ["X-Custom"] = "yes" },
		}
		status = resp.status
		ok = resp.ok
		body = resp.body
		method = resp.headers["x-echo-method"]
		plugin = resp.headers["x-echo-plugin"]
		custom = resp.headers["x-echo-custom"]
	`))
	assert.Equal(t, "200", g.L.GetGlobal("status").String())
	assert.Equal(t, "true", g.L.GetGlobal("ok").String())
	assert.Equal(t, "hello", g.L.GetGlobal("body").String())
	assert.Equal(t, "POST", g.L.GetGlobal("method").String())
	assert.Equal(t, "alpha", g.L.GetGlobal("plugin").String())
	assert.Equal(t, "yes", g.L.GetGlobal("custom").String())
}

func TestNetwork_HostPolicy(t *testing.T) {
	srv := newEchoServer(t)
	policy, err := capability.NewHostPolicy([]string{"*.example.com"}, nil)
	require.NoError(t, err)

	var denied []string
	f := newFunctions(t,
		hostfunc.WithNetwork(hostfunc.NetworkConfig{Policy: policy}),
		hostfunc.WithDenialHook(func(_, op string) { denied = append(denied, op) }))
	g := newGuest(t, f, "alpha", []string{"network"}, false)
	g.L.SetGlobal("base", lua.LString(srv.URL))

	err = g.L.DoString(`api.network.fetch(base .. "/echo")`)
	require.Error(t, err)
	errutil.AssertErrorCode(t, hostfunc.HostError(err), errutil.CodePermission)
	assert.Equal(t, []string{capability.OpNetworkRequest}, denied)
}

func TestNetwork_SchemeDenied(t *testing.T) {
	g := newGuest(t, newFunctions(t), "alpha", []string{"network"}, false)
	err := g.L.DoString(`api.network.fetch("file:///etc/passwd")`)
	require.Error(t, err)
	errutil.AssertErrorCode(t, hostfunc.HostError(err), errutil.CodePermission)
}

func TestNetwork_RedirectRevalidated(t *testing.T) {
	srv := newEchoServer(t)
	policy, err := capability.NewHostPolicy(nil, []string{"forbidden.example"})
	require.NoError(t, err)
	f := newFunctions(t, hostfunc.WithNetwork(hostfunc.NetworkConfig{Policy: policy}))
	g := newGuest(t, f, "alpha", []string{"network"}, false)
	g.L.SetGlobal("base", lua.LString(srv.URL))

	require.NoError(t, g.L.DoString(`resp, err = api.network.fetch(base .. "/redirect")`))
	assert.Equal(t, "nil", g.L.GetGlobal("resp").String())
	assert.Contains(t, g.L.GetGlobal("err").String(), "not allowed")
}

func TestNetwork_ResponseSizeCap(t *testing.T) {
	srv := newEchoServer(t)
	f := newFunctions(t, hostfunc.WithNetwork(hostfunc.NetworkConfig{MaxResponseBytes: 1024}))
	g := newGuest(t, f, "alpha", []string{"network"}, false)
	g.L.SetGlobal("base", lua.LString(srv.URL))

	require.NoError(t, g.L.DoString(`resp, err = api.network.fetch(base .. "/big")`))
	assert.Equal(t, "nil", g.L.GetGlobal("resp").String())
	assert.Contains(t, g.L.GetGlobal("err").String(), "size limit")
}

func TestNetwork_BreakerOpensAfterServerErrors(t *testing.T) {
	srv := newEchoServer(t)
	g := newGuest(t, newFunctions(t), "alpha", []string{"network"}, false)
	g.L.SetGlobal("base", lua.LString(srv.URL))

	require.NoError(t, g.L.DoString(`
		statuses = {}
		for i = 1, 5 do
			local resp = api.network.fetch(base .. "/fail")
			statuses[i] = resp.status
		end
		after, err = api.network.fetch(base .. "/echo")
	`))
	assert.Equal(t, "502", g.L.GetTable(g.L.GetGlobal("statuses"), lua.LNumber(5)).String())
	assert.Equal(t, "nil", g.L.GetGlobal("after").String())
	assert.Contains(t, g.L.GetGlobal("err").String(), "circuit breaker is open")
}
