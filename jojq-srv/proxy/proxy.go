package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jojq/jojq/jojq-srv/capture"
	"github.com/jojq/jojq/jojq-srv/certs"
	"github.com/jojq/jojq/jojq-srv/config"
	"github.com/jojq/jojq/jojq-srv/logger"
	"github.com/jojq/jojq/jojq-srv/stats"
)

type contextKey struct {
	name string
}

var clientKey = &contextKey{name: "http-client"}
var clientIPKey = &contextKey{name: "client-ip"}

func WithClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

func ClientFromContext(ctx context.Context) (*http.Client, bool) {
	clientVal := ctx.Value(clientKey)
	if clientVal == nil {
		return nil, false
	}
	client, ok := clientVal.(*http.Client)
	return client, ok
}

func WithClientIP(ctx context.Context, clientIP string) context.Context {
	return context.WithValue(ctx, clientIPKey, clientIP)
}

func ClientIPFromContext(ctx context.Context) (string, bool) {
	clientIPVal := ctx.Value(clientIPKey)
	if clientIPVal == nil {
		return "", false
	}
	clientIP, ok := clientIPVal.(string)
	return clientIP, ok
}

// Proxy is an interception proxy instance. It owns the listener, the
// certificate authority (in MITM mode), the capture buffer, and the
// statistics collector; connection handlers borrow them for the duration of
// an exchange.
type Proxy struct {
	config      *config.Config
	server      *http.Server
	certManager *certs.Manager
	buffer      *capture.Buffer
	pipeline    *capture.Pipeline
	scope       *Scope
	interceptor *HTTPSInterceptor
	stats.Collector
}

// NewProxy assembles a proxy from cfg. In MITM mode the certificate
// authority is loaded or generated immediately so a broken CA directory
// fails startup rather than the first intercepted connection.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	collector, err := stats.NewCollector(&cfg.Statistics)
	if err != nil {
		logger.Error("Failed to initialize statistics collector: %v", err)
		collector = stats.NewDummyCollector()
	}

	buffer := capture.NewBuffer(cfg.Capture.BufferSize)

	p := &Proxy{
		config:    cfg,
		buffer:    buffer,
		pipeline:  capture.NewPipeline(buffer, cfg.Capture.MaxBodyBytes),
		scope:     NewScope(cfg.Capture.IncludeHosts, cfg.Capture.ExcludeHosts),
		Collector: collector,
	}

	if cfg.Interception.Enabled {
		manager := certs.NewManager(cfg.Interception.CADir)
		if err := manager.EnsureCA(); err != nil {
			return nil, NewProxyError(ErrCodeCAInitFailed, GetErrorDescription(ErrCodeCAInitFailed), err)
		}
		p.certManager = manager
		p.interceptor = NewHTTPSInterceptor(manager, p)
	}

	return p, nil
}

// Buffer exposes the capture buffer to the operator console.
func (p *Proxy) Buffer() *capture.Buffer {
	return p.buffer
}

// CACertPath returns the root certificate location for client import, or ""
// when MITM mode is disabled.
func (p *Proxy) CACertPath() string {
	if p.certManager == nil {
		return ""
	}
	return p.certManager.CACertPath()
}

func (p *Proxy) timeout() time.Duration {
	return time.Duration(p.config.TimeoutSeconds) * time.Second
}

// Start binds the configured listen address and serves until Stop. A bind
// conflict is reported with a descriptive error.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			return NewProxyError(ErrCodeAddressInUse,
				fmt.Sprintf("cannot listen on %s: address already in use (is another proxy running?)", p.config.ListenAddress), err)
		}
		return NewProxyError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed), err)
	}
	return p.StartWithListener(listener)
}

// StartWithListener serves proxy traffic on an existing listener.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	p.server = &http.Server{
		Handler: http.HandlerFunc(p.handleRequest),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			transport := &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return p.dialUpstream(ctx, addr)
				},
				DisableCompression:    true,
				ResponseHeaderTimeout: p.timeout(),
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
			}
			client := &http.Client{
				Transport: transport,
				CheckRedirect: func(req *http.Request, via []*http.Request) error {
					// The proxy relays redirects to the client untouched.
					return http.ErrUseLastResponse
				},
			}
			clientIP, _, _ := net.SplitHostPort(c.RemoteAddr().String())
			ctx = WithClient(ctx, client)
			ctx = WithClientIP(ctx, clientIP)
			return ctx
		},
	}

	logger.Info("Starting proxy server on %s", listener.Addr().String())
	err := p.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and lets in-flight handlers drain.
func (p *Proxy) Stop() error {
	var serverErr error
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		serverErr = p.server.Shutdown(ctx)
	}
	if closeErr := p.Collector.Close(); closeErr != nil {
		logger.Error("Error closing statistics collector: %v", closeErr)
	}
	return serverErr
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}

	client, ok := ClientFromContext(r.Context())
	if !ok || client == nil {
		logger.Error("No http.Client found in request context")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	p.forwardRequest(w, r, client)
}

// headers that describe the proxy hop and must not travel upstream
var hopHeaders = map[string]struct{}{
	"Proxy-Connection":    {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Keep-Alive":          {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Connection":          {},
}

// forwardRequest relays a plain-HTTP exchange upstream and tees JSON
// responses into the capture pipeline. The tee never blocks or alters the
// bytes the client receives.
func (p *Proxy) forwardRequest(w http.ResponseWriter, r *http.Request, client *http.Client) {
	ctx := r.Context()

	var targetURL string
	if r.URL.IsAbs() {
		targetURL = r.URL.String()
	} else {
		// Non-absolute request line; reconstruct from the Host header.
		targetURL = fmt.Sprintf("http://%s%s", r.Host, r.URL.RequestURI())
	}

	clientIP, _ := ClientIPFromContext(ctx)
	hostname, port := splitHostPort(r.Host, 80)
	connectionID, statsErr := p.StartConnection(ctx, clientIP, hostname, port, "http")
	if statsErr != nil {
		logger.Error("Failed to record connection start: %v", statsErr)
	}
	closeReason := "done"
	defer func() {
		if err := p.EndConnection(ctx, connectionID, 0, 0, closeReason); err != nil {
			logger.Error("Failed to record connection end: %v", err)
		}
	}()

	var reqBody []byte
	if r.Body != nil {
		var err error
		reqBody, err = io.ReadAll(r.Body)
		if closeErr := r.Body.Close(); closeErr != nil {
			logger.Error("Error closing request body: %v", closeErr)
		}
		if err != nil {
			logger.Error("Error reading request body: %v", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			closeReason = "request_read_error"
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, bytes.NewReader(reqBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		closeReason = "request_creation_error"
		return
	}

	for name, values := range r.Header {
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	if err := p.RecordHTTPRequest(ctx, connectionID, r.Method, targetURL, hostname, int64(len(reqBody))); err != nil {
		logger.Error("Failed to record HTTP request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("Failed to forward request to %s: %v", targetURL, err)
		if recErr := p.RecordError(ctx, connectionID, "http_forward_error", err.Error()); recErr != nil {
			logger.Error("Failed to record error: %v", recErr)
		}
		writeBadGateway(w)
		closeReason = "upstream_error"
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if err := p.RecordHTTPResponse(ctx, connectionID, resp.StatusCode, resp.ContentLength); err != nil {
		logger.Error("Failed to record HTTP response: %v", err)
	}

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	eligible := capture.IsJSONContentType(resp.Header.Get("Content-Type")) && p.scope.Allows(hostname)
	var sink *capture.Sink
	body := io.ReadCloser(resp.Body)
	if eligible {
		sink = p.pipeline.NewBodySink()
		body = newTeeReadCloser(resp.Body, sink)
	}

	w.WriteHeader(resp.StatusCode)
	_, copyErr := io.Copy(w, body)
	if copyErr != nil {
		logger.Error("Failed to copy response body: %v", copyErr)
		closeReason = "response_copy_error"
		return
	}

	if eligible {
		p.finalizeCapture(ctx, connectionID, r.Method, targetURL, r.Header, reqBody, resp, sink)
	}
}

// finalizeCapture runs the capture pipeline on a completed response and
// emits the operator notification on success.
func (p *Proxy) finalizeCapture(ctx context.Context, connectionID int64, method, targetURL string, reqHeaders http.Header, reqBody []byte, resp *http.Response, sink *capture.Sink) {
	rec, stored := p.pipeline.Finalize(method, targetURL, reqHeaders, reqBody, resp, sink.Bytes(), sink.Overflowed())
	if !stored {
		return
	}

	logger.Info("Captured %s %s -> %d (%d bytes) [#%d]",
		method, targetURL, resp.StatusCode, len(sink.Bytes()), rec.Ordinal)

	if err := p.RecordCapture(ctx, connectionID, method, targetURL, resp.StatusCode, int64(len(sink.Bytes()))); err != nil {
		logger.Error("Failed to record capture: %v", err)
	}
}

// handleConnect serves CONNECT: MITM interception when enabled, otherwise
// an opaque byte tunnel.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	targetAddr := r.Host
	if !strings.Contains(targetAddr, ":") {
		targetAddr += ":443"
	}
	logger.Debug("CONNECT request for %s", targetAddr)

	if p.interceptor != nil {
		p.interceptor.HandleHTTPSIntercept(w, r)
		return
	}

	p.handleTunnel(w, r, targetAddr)
}

// handleTunnel relays bytes between the client and targetAddr with no
// observation of the traffic.
func (p *Proxy) handleTunnel(w http.ResponseWriter, r *http.Request, targetAddr string) {
	ctx := r.Context()
	clientIP, _ := ClientIPFromContext(ctx)
	hostname, port := splitHostPort(targetAddr, 443)

	connectionID, statsErr := p.StartConnection(ctx, clientIP, hostname, port, "tunnel")
	if statsErr != nil {
		logger.Error("Failed to record connection start: %v", statsErr)
	}

	targetConn, err := p.dialUpstream(ctx, targetAddr)
	if err != nil {
		logger.Error("Failed to establish tunnel to %s: %v", targetAddr, err)
		if recErr := p.RecordError(ctx, connectionID, "tunnel_connect_error", err.Error()); recErr != nil {
			logger.Error("Failed to record error: %v", recErr)
		}
		writeBadGateway(w)
		_ = p.EndConnection(ctx, connectionID, 0, 0, "upstream_error")
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking")
		_ = targetConn.Close()
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		_ = p.EndConnection(ctx, connectionID, 0, 0, "hijack_unsupported")
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection: %v", err)
		_ = targetConn.Close()
		_ = p.EndConnection(ctx, connectionID, 0, 0, "hijack_error")
		return
	}

	_, err = fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n")
	if err != nil {
		logger.Error("Failed to send 200 response: %v", err)
		_ = clientConn.Close()
		_ = targetConn.Close()
		_ = p.EndConnection(ctx, connectionID, 0, 0, "client_write_error")
		return
	}

	// The server's header deadlines no longer apply to a hijacked tunnel.
	_ = clientConn.SetDeadline(time.Time{})

	logger.Debug("Opaque tunnel established for %s", targetAddr)

	var bytesSent, bytesReceived int64
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if clientBuf != nil && clientBuf.Reader != nil && clientBuf.Reader.Buffered() > 0 {
			if n, err := clientBuf.WriteTo(targetConn); err != nil {
				if !isClosedConnError(err) {
					logger.Error("Failed to write buffered data to target: %v", err)
				}
				return
			} else {
				bytesSent += n
			}
		}
		n, err := io.Copy(targetConn, clientConn)
		bytesSent += n
		if err != nil && !isClosedConnError(err) {
			logger.Warn("Tunnel copy error (client to target): %v", err)
		}
		if tcpConn, ok := targetConn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		n, err := io.Copy(clientConn, targetConn)
		bytesReceived += n
		if err != nil && !isClosedConnError(err) {
			logger.Warn("Tunnel copy error (target to client): %v", err)
		}
		if tcpConn, ok := clientConn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
	}()

	wg.Wait()
	_ = clientConn.Close()
	_ = targetConn.Close()

	if err := p.EndConnection(ctx, connectionID, bytesSent, bytesReceived, "done"); err != nil {
		logger.Error("Failed to record connection end: %v", err)
	}
	logger.Debug("Opaque tunnel closed for %s", targetAddr)
}

// splitHostPort splits host[:port], falling back to defaultPort.
func splitHostPort(host string, defaultPort int) (string, int) {
	hostname, portStr, err := net.SplitHostPort(host)
	if err != nil {
		return host, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return hostname, defaultPort
	}
	return hostname, port
}
