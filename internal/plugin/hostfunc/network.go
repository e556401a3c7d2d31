// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sony/gobreaker"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// Network defaults.
const (
	DefaultMaxResponseBytes = 1 << 20
	DefaultRequestTimeout   = 10 * time.Second
	maxRedirects            = 5
)

// NetworkConfig configures api.network.
type NetworkConfig struct {
	Policy           *capability.HostPolicy
	MaxResponseBytes int64
	Timeout          time.Duration
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

var errResponseTooLarge = errors.New("response exceeds size limit")

type network struct {
	cfg      NetworkConfig
	client   *http.Client
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newNetwork(cfg NetworkConfig) *network {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	n := &network{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	n.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return n.checkURL(req.URL)
		},
	}
	return n
}

// breaker returns the circuit breaker for host, creating it on first use.
func (n *network) breaker(host string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	cb, ok := n.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		n.breakers[host] = cb
	}
	return cb
}

func (n *network) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return oops.In("hostfunc").Code(errutil.CodePermission).
			With("url", u.Redacted()).Errorf("scheme %q is not allowed", u.Scheme)
	}
	if !n.cfg.Policy.Allowed(u.Hostname()) {
		return oops.In("hostfunc").Code(errutil.CodePermission).
			With("host", u.Hostname()).Errorf("host %q is not allowed", u.Hostname())
	}
	return nil
}

func (n *network) table(L *lua.LState, inst *Instance) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "fetch", L.NewFunction(inst.wrap(capability.OpNetworkRequest, n.fetchFn(inst))))
	L.SetField(mod, "request", L.NewFunction(inst.wrap(capability.OpNetworkRequest, n.requestFn(inst))))
	return mod
}

type requestSpec struct {
	method  string
	url     string
	headers map[string]string
	body    string
	timeout time.Duration
}

// fetchFn: api.network.fetch(url[, opts]) -> response | nil, err
func (n *network) fetchFn(inst *Instance) lua.LGFunction {
	return func(L *lua.LState) int {
		spec := requestSpec{method: http.MethodGet, url: L.CheckString(1)}
		if opts, ok := L.Get(2).(*lua.LTable); ok {
			readRequestOpts(opts, &spec)
		}
		return n.do(L, inst, spec)
	}
}

// requestFn: api.network.request{url=..., method=..., headers=..., body=...}
func (n *network) requestFn(inst *Instance) lua.LGFunction {
	return func(L *lua.LState) int {
		opts := L.CheckTable(1)
		spec := requestSpec{method: http.MethodGet}
		readRequestOpts(opts, &spec)
		if u, ok := opts.RawGetString("url").(lua.LString); ok {
			spec.url = string(u)
		}
		if spec.url == "" {
			L.ArgError(1, "url is required")
			return 0
		}
		return n.do(L, inst, spec)
	}
}

func readRequestOpts(opts *lua.LTable, spec *requestSpec) {
	if m, ok := opts.RawGetString("method").(lua.LString); ok && m != "" {
		spec.method = strings.ToUpper(string(m))
	}
	if b, ok := opts.RawGetString("body").(lua.LString); ok {
		spec.body = string(b)
	}
	if ms, ok := opts.RawGetString("timeout_ms").(lua.LNumber); ok && ms > 0 {
		spec.timeout = time.Duration(ms) * time.Millisecond
	}
	if h, ok := opts.RawGetString("headers").(*lua.LTable); ok {
		spec.headers = make(map[string]string)
		h.ForEach(func(k, v lua.LValue) {
			spec.headers[k.String()] = v.String()
		})
	}
}

func (n *network) do(L *lua.LState, inst *Instance, spec requestSpec) int {
	u, err := url.Parse(spec.url)
	if err != nil {
		return pushError(L, "invalid url: "+err.Error())
	}
	if err := n.checkURL(u); err != nil {
		if inst.f.onDenied != nil {
			inst.f.onDenied(inst.pluginID, capability.OpNetworkRequest)
		}
		return raise(L, oops.With("plugin", inst.pluginID).Wrap(err))
	}

	timeout := n.cfg.Timeout
	if spec.timeout > 0 && spec.timeout < timeout {
		timeout = spec.timeout
	}
	ctx, cancel := context.WithTimeout(hostContext(L), timeout)
	defer cancel()

	var body io.Reader
	if spec.body != "" {
		body = strings.NewReader(spec.body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, u.String(), body)
	if err != nil {
		return pushError(L, err.Error())
	}
	for k, v := range spec.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Sandhost-Plugin", inst.pluginID)

	out, err := n.breaker(u.Hostname()).Execute(func() (interface{}, error) {
		return n.roundTrip(req)
	})
	resp, _ := out.(*response)
	if resp == nil {
		return pushError(L, err.Error())
	}
	if resp.tooLarge {
		return pushError(L, errResponseTooLarge.Error())
	}

	tbl := L.NewTable()
	L.SetField(tbl, "status", lua.LNumber(resp.status))
	L.SetField(tbl, "ok", lua.LBool(resp.status >= 200 && resp.status < 300))
	L.SetField(tbl, "body", lua.LString(resp.body))
	L.SetField(tbl, "headers", ToLua(L, resp.headers))
	return pushSuccess(L, tbl)
}

type response struct {
	status   int
	body     string
	headers  map[string]string
	tooLarge bool
}

// roundTrip performs the request and reads at most MaxResponseBytes of the
// body; the connection is dropped as soon as the limit is passed. Server
// errors count as breaker failures.
func (n *network) roundTrip(req *http.Request) (*response, error) {
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	limit := n.cfg.MaxResponseBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	out := &response{status: resp.StatusCode, headers: make(map[string]string, len(resp.Header))}
	for k := range resp.Header {
		out.headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	if int64(len(data)) > limit {
		out.tooLarge = true
		return out, nil
	}
	out.body = string(data)
	if resp.StatusCode >= 500 {
		return out, oops.In("hostfunc").With("status", resp.StatusCode).Errorf("server error %d", resp.StatusCode)
	}
	return out, nil
}
