package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jojq/jojq/jojq-srv/config"
)

// startSocks5 runs an in-process SOCKS5 server and returns its address.
func startSocks5(t *testing.T) string {
	t.Helper()

	server, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = listener.Close()
	})

	go func() {
		_ = server.Serve(listener)
	}()
	return listener.Addr().String()
}

func TestForwardSocks5(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"via":"socks5"}`))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Forward = &config.ForwardSocks5{Address: startSocks5(t)}

	p, proxyAddr := startTestProxy(t, cfg)
	client := proxyHTTPClient(t, proxyAddr)

	resp, err := client.Get(upstream.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"via":"socks5"}`, string(body))

	// The forward changes the dial path, not the capture pipeline.
	assert.Equal(t, 1, p.Buffer().Len())
}

func TestForwardSocks5Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Forward = &config.ForwardSocks5{Address: "127.0.0.1:1"}

	p, proxyAddr := startTestProxy(t, cfg)
	client := proxyHTTPClient(t, proxyAddr)

	resp, err := client.Get("http://example.test/")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 0, p.Buffer().Len())
}

func TestForwardHTTPProxyChain(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"via":"chain"}`))
	}))
	defer upstream.Close()

	// The second hop is another instance of this proxy.
	hopCfg := testConfig()
	_, hopAddr := startTestProxy(t, hopCfg)

	cfg := testConfig()
	cfg.Forward = &config.ForwardProxy{Address: hopAddr}

	p, proxyAddr := startTestProxy(t, cfg)

	// CONNECT through the chain: first hop forwards via CONNECT to the
	// second hop, which tunnels to the upstream.
	client := proxyHTTPClient(t, proxyAddr)
	resp, err := client.Get(upstream.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"via":"chain"}`, string(body))
	assert.Equal(t, 1, p.Buffer().Len())
}

func TestForwardDefaultNetworkDirect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"direct":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Forward = &config.ForwardDefaultNetwork{ForceIPv4: true}

	p, proxyAddr := startTestProxy(t, cfg)
	client := proxyHTTPClient(t, proxyAddr)

	resp, err := client.Get(upstream.URL)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, p.Buffer().Len())
}
