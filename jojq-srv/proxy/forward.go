package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/jojq/jojq/jojq-srv/config"
	"github.com/jojq/jojq/jojq-srv/logger"
)

// dialUpstream establishes a TCP connection to addr, applying the configured
// upstream forward (direct, SOCKS5, or HTTP proxy). The returned error is a
// *Error on failure.
func (p *Proxy) dialUpstream(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: p.timeout(),
	}

	fwd := p.config.Forward
	if fwd == nil {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, NewConnectionError(ErrCodeDialFailed, fmt.Errorf("direct dial to %s: %w", addr, err))
		}
		return conn, nil
	}

	switch f := fwd.(type) {
	case *config.ForwardDefaultNetwork:
		network := "tcp"
		if f.ForceIPv4 {
			network = "tcp4"
			dialer.FallbackDelay = -1
		}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, NewConnectionError(ErrCodeDialFailed, fmt.Errorf("default network dial to %s: %w", addr, err))
		}
		return conn, nil

	case *config.ForwardSocks5:
		return p.dialSocks5(ctx, dialer, f, addr)

	case *config.ForwardProxy:
		return p.dialHTTPProxy(ctx, dialer, f, addr)

	default:
		return nil, NewConnectionError(ErrCodeDialFailed, fmt.Errorf("unknown forward type %T", fwd))
	}
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy.
func (p *Proxy) dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardSocks5, targetHostPort string) (net.Conn, error) {
	var auth *xproxy.Auth
	if fwd.Username != nil {
		auth = &xproxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	socksDialer, err := xproxy.SOCKS5("tcp", fwd.Address, auth, dialer)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	logger.Debug("Dialing %s via SOCKS5 proxy %s", targetHostPort, fwd.Address)

	if ctxDialer, ok := socksDialer.(xproxy.ContextDialer); ok {
		conn, err := ctxDialer.DialContext(ctx, "tcp", targetHostPort)
		if err != nil {
			return nil, NewProxyChainError(ErrCodeSOCKS5ConnectFailed,
				fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, err))
		}
		return conn, nil
	}

	conn, err := socksDialer.Dial("tcp", targetHostPort)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5ConnectFailed,
			fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, err))
	}
	return conn, nil
}

// dialHTTPProxy establishes a tunnel to the target through another HTTP
// proxy using CONNECT.
func (p *Proxy) dialHTTPProxy(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardProxy, targetHostPort string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", fwd.Address)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	logger.Debug("Dialing %s via HTTP proxy %s", targetHostPort, fwd.Address)

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetHostPort},
		Host:   targetHostPort,
		Header: make(http.Header),
	}
	if fwd.Username != nil {
		password := ""
		if fwd.Password != nil {
			password = *fwd.Password
		}
		cred := base64.StdEncoding.EncodeToString([]byte(*fwd.Username + ":" + password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	_ = conn.SetDeadline(time.Now().Add(p.timeout()))
	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, NewProxyChainError(ErrCodeHTTPProxyConnectFailed,
			fmt.Errorf("CONNECT %s via %s: %w", targetHostPort, fwd.Address, err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, NewProxyChainError(ErrCodeHTTPProxyConnectFailed,
			fmt.Errorf("CONNECT %s via %s: %w", targetHostPort, fwd.Address, err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, NewProxyChainError(ErrCodeHTTPProxyConnectFailed,
			fmt.Errorf("CONNECT %s via %s: status %s", targetHostPort, fwd.Address, resp.Status))
	}
	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}
