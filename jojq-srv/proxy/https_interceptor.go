package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jojq/jojq/jojq-srv/capture"
	"github.com/jojq/jojq/jojq-srv/certs"
	"github.com/jojq/jojq/jojq-srv/logger"
)

// HTTPSInterceptor decrypts CONNECT tunnels by presenting CA-signed leaf
// certificates to the client and opening separate TLS sessions upstream.
type HTTPSInterceptor struct {
	certManager *certs.Manager
	proxy       *Proxy
}

// NewHTTPSInterceptor creates an interceptor minting leaves from manager.
func NewHTTPSInterceptor(manager *certs.Manager, proxy *Proxy) *HTTPSInterceptor {
	return &HTTPSInterceptor{
		certManager: manager,
		proxy:       proxy,
	}
}

// HandleHTTPSIntercept handles an incoming CONNECT request by hijacking the
// connection and decrypting the tunneled TLS session.
func (h *HTTPSInterceptor) HandleHTTPSIntercept(w http.ResponseWriter, req *http.Request) {
	host := req.Host
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	logger.Debug("HTTPS interceptor handling CONNECT for %s", host)

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTPS interception failed: ResponseWriter does not support hijacking")
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hj.Hijack()
	if err != nil {
		logger.Error("HTTPS interception failed: could not hijack connection: %v", err)
		return
	}

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		logger.Error("HTTPS interception failed: could not send 200 response: %v", err)
		if closeErr := clientConn.Close(); closeErr != nil {
			logger.Error("Error closing client connection: %v", closeErr)
		}
		return
	}
	_ = clientConn.SetDeadline(time.Time{})

	h.HandleTCPConnection(clientConn, host)
}

// HandleTCPConnection terminates TLS on clientConn using a leaf for the
// CONNECT-target hostname (re-selected via SNI during the handshake), then
// parses the decrypted stream as HTTP/1.1, forwarding each request upstream
// over a fresh TLS session and feeding JSON responses to the capture
// pipeline. Requests and responses are matched in FIFO order.
func (h *HTTPSInterceptor) HandleTCPConnection(clientConn net.Conn, host string) {
	defer func() {
		if closeErr := clientConn.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			logger.Error("Error closing client connection: %v", closeErr)
		}
	}()

	hostname := strings.Split(host, ":")[0]
	ctx := context.Background()

	clientIP := ""
	if ip, _, err := net.SplitHostPort(clientConn.RemoteAddr().String()); err == nil {
		clientIP = ip
	}
	_, port := splitHostPort(host, 443)
	connectionID, statsErr := h.proxy.StartConnection(ctx, clientIP, hostname, port, "https")
	if statsErr != nil {
		logger.Error("Failed to record connection start: %v", statsErr)
	}
	closeReason := "done"
	defer func() {
		if err := h.proxy.EndConnection(ctx, connectionID, 0, 0, closeReason); err != nil {
			logger.Error("Failed to record connection end: %v", err)
		}
	}()

	tlsConfig, err := h.certManager.TLSConfigFor(hostname)
	if err != nil {
		logger.Error("HTTPS interception failed: could not get certificate for %s: %v", hostname, err)
		closeReason = "cert_error"
		return
	}

	tlsClientConn := tls.Server(clientConn, tlsConfig)
	_ = tlsClientConn.SetDeadline(time.Now().Add(h.proxy.timeout()))
	if err := tlsClientConn.Handshake(); err != nil {
		logger.Error("TLS handshake with client failed for %s: %v", hostname, err)
		closeReason = "client_handshake_error"
		return
	}
	_ = tlsClientConn.SetDeadline(time.Time{})
	defer func() {
		if closeErr := tlsClientConn.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			logger.Debug("Error closing TLS client connection: %v", closeErr)
		}
	}()

	logger.Debug("HTTPS interceptor established TLS with client for %s", host)

	clientReader := bufio.NewReader(tlsClientConn)

	for {
		_ = tlsClientConn.SetReadDeadline(time.Now().Add(h.proxy.timeout()))
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err != io.EOF && !isClosedConnError(err) && !isTimeout(err) {
				logger.Error("Error reading HTTP request from MITM'd session: %v", err)
				closeReason = "request_read_error"
			}
			return
		}
		_ = tlsClientConn.SetReadDeadline(time.Time{})

		// CONNECT inside an intercepted session would tunnel past the proxy.
		if req.Method == http.MethodConnect {
			logger.Warn("Rejected CONNECT request inside intercepted session for %s", host)
			resp := &http.Response{
				Status:     "405 Method Not Allowed",
				StatusCode: http.StatusMethodNotAllowed,
				Proto:      req.Proto,
				ProtoMajor: req.ProtoMajor,
				ProtoMinor: req.ProtoMinor,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader("Method Not Allowed")),
			}
			resp.Header.Set("Content-Type", "text/plain")
			_ = resp.Write(tlsClientConn)
			closeReason = "connect_rejected"
			return
		}

		req.Header.Del("Proxy-Connection")
		req.Header.Del("Proxy-Authorization")

		requestHost := req.Host
		if requestHost == "" {
			requestHost = hostname
		}
		absURL := fmt.Sprintf("https://%s%s", requestHost, req.URL.RequestURI())

		if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
			logger.Debug("WebSocket upgrade detected inside intercepted session for %s", host)
			h.tunnelWebSocket(tlsClientConn, clientReader, req, host)
			closeReason = "websocket"
			return
		}

		var reqBody []byte
		if req.Body != nil {
			reqBody, err = io.ReadAll(req.Body)
			if closeErr := req.Body.Close(); closeErr != nil {
				logger.Error("Error closing request body: %v", closeErr)
			}
			if err != nil {
				logger.Error("Error reading request body: %v", err)
				closeReason = "request_body_error"
				return
			}
			req.Body = io.NopCloser(bytes.NewReader(reqBody))
			req.ContentLength = int64(len(reqBody))
		}

		if err := h.proxy.RecordHTTPRequest(ctx, connectionID, req.Method, absURL, requestHost, int64(len(reqBody))); err != nil {
			logger.Error("Failed to record HTTP request: %v", err)
		}

		resp, upstreamConn, err := h.roundTrip(host, hostname, req)
		if err != nil {
			logger.Error("Upstream round trip failed for %s: %v", absURL, err)
			if recErr := h.proxy.RecordError(ctx, connectionID, "mitm_upstream_error", err.Error()); recErr != nil {
				logger.Error("Failed to record error: %v", recErr)
			}
			_ = NewBadGatewayResponse().Write(tlsClientConn)
			closeReason = "upstream_error"
			return
		}

		if err := h.proxy.RecordHTTPResponse(ctx, connectionID, resp.StatusCode, resp.ContentLength); err != nil {
			logger.Error("Failed to record HTTP response: %v", err)
		}

		eligible := capture.IsJSONContentType(resp.Header.Get("Content-Type")) &&
			h.proxy.scope.Allows(requestHost)
		var sink *capture.Sink
		if eligible {
			sink = h.proxy.pipeline.NewBodySink()
			resp.Body = newTeeReadCloser(resp.Body, sink)
		}

		_ = tlsClientConn.SetWriteDeadline(time.Now().Add(h.proxy.timeout()))
		writeErr := resp.Write(tlsClientConn)
		_ = tlsClientConn.SetWriteDeadline(time.Time{})
		if closeErr := resp.Body.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			logger.Debug("Error closing response body: %v", closeErr)
		}
		if closeErr := upstreamConn.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			logger.Debug("Error closing upstream connection: %v", closeErr)
		}
		if writeErr != nil {
			logger.Error("Error writing response to client: %v", writeErr)
			closeReason = "client_write_error"
			return
		}

		if eligible {
			h.proxy.finalizeCapture(ctx, connectionID, req.Method, absURL, req.Header, reqBody, resp, sink)
		}

		if req.Close || resp.Close {
			return
		}
	}
}

// roundTrip opens a fresh TLS session to the CONNECT target and performs a
// single exchange. Certificate verification is disabled: the proxy is the
// trust boundary the operator accepted by importing the CA.
func (h *HTTPSInterceptor) roundTrip(host, hostname string, req *http.Request) (*http.Response, net.Conn, error) {
	ctx := context.Background()
	rawConn, err := h.proxy.dialUpstream(ctx, host)
	if err != nil {
		return nil, nil, err
	}

	upstreamConn := tls.Client(rawConn, &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // interception by operator consent
		ServerName:         hostname,
	})
	_ = upstreamConn.SetDeadline(time.Now().Add(h.proxy.timeout()))
	if err := upstreamConn.Handshake(); err != nil {
		_ = rawConn.Close()
		return nil, nil, NewTLSError(ErrCodeTLSUpstreamFailed, err)
	}

	if err := req.Write(upstreamConn); err != nil {
		_ = upstreamConn.Close()
		return nil, nil, fmt.Errorf("write request upstream: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstreamConn), req)
	if err != nil {
		_ = upstreamConn.Close()
		return nil, nil, fmt.Errorf("read upstream response: %w", err)
	}
	_ = upstreamConn.SetDeadline(time.Time{})

	return resp, upstreamConn, nil
}

// tunnelWebSocket forwards a WebSocket upgrade upstream and, when accepted,
// degrades to transparent byte copying in both directions. Upgraded streams
// are never captured.
func (h *HTTPSInterceptor) tunnelWebSocket(tlsClientConn *tls.Conn, clientReader *bufio.Reader, req *http.Request, host string) {
	hostname := strings.Split(host, ":")[0]
	ctx := context.Background()

	rawConn, err := h.proxy.dialUpstream(ctx, host)
	if err != nil {
		logger.Error("WebSocket upstream dial failed for %s: %v", host, err)
		_ = NewBadGatewayResponse().Write(tlsClientConn)
		return
	}
	upstreamConn := tls.Client(rawConn, &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // interception by operator consent
		ServerName:         hostname,
	})
	_ = upstreamConn.SetDeadline(time.Now().Add(h.proxy.timeout()))
	if err := upstreamConn.Handshake(); err != nil {
		logger.Error("WebSocket upstream TLS handshake failed for %s: %v", host, err)
		_ = rawConn.Close()
		_ = NewBadGatewayResponse().Write(tlsClientConn)
		return
	}
	_ = upstreamConn.SetDeadline(time.Time{})
	defer func() {
		_ = upstreamConn.Close()
	}()

	if err := req.Write(upstreamConn); err != nil {
		logger.Error("WebSocket upgrade write failed for %s: %v", host, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if _, err := io.Copy(upstreamConn, clientReader); err != nil && !isClosedConnError(err) {
			logger.Debug("WebSocket copy error (client to upstream): %v", err)
		}
		_ = upstreamConn.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		if _, err := io.Copy(tlsClientConn, upstreamConn); err != nil && !isClosedConnError(err) {
			logger.Debug("WebSocket copy error (upstream to client): %v", err)
		}
		_ = tlsClientConn.CloseWrite()
	}()

	wg.Wait()
	logger.Debug("WebSocket tunnel closed for %s", host)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
