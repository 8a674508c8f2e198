package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TestWebSocketThroughMITM verifies an Upgrade exchange inside an
// intercepted session degrades to transparent byte copying.
func TestWebSocketThroughMITM(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	p, proxyAddr := startTestProxy(t, mitmConfig(t))

	caPEM, err := os.ReadFile(p.CACertPath())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))

	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyURL(proxyURL),
		TLSClientConfig:  &tls.Config{RootCAs: pool},
		HandshakeTimeout: 5 * time.Second,
	}

	wsURL := "wss://" + strings.TrimPrefix(upstream.URL, "https://")
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping through the proxy")))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping through the proxy", string(echoed))

	// Upgraded streams are never captured.
	assert.Equal(t, 0, p.Buffer().Len())
}
