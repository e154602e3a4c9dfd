// Package proxy exposes every running worker under its mount prefix, for
// plain HTTP and for WebSocket streams.
package proxy

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomyedwab/devhub/devhub/processes"
)

const (
	defaultMaxMessageSize = 64 << 20
	defaultHost           = "127.0.0.1"
)

// Resolver maps a request path to the worker mounted there. Only ready
// workers are resolved.
type Resolver interface {
	Lookup(path string) (processes.Target, bool)
}

// Router is an http.Handler forwarding requests to worker processes. A broken
// worker only ever fails its own requests.
type Router struct {
	resolver       Resolver
	logger         *slog.Logger
	host           string
	maxMessageSize int64
	transport      http.RoundTripper
	dialer         *websocket.Dialer
	upgrader       websocket.Upgrader
}

// Config holds configuration options for the Router.
type Config struct {
	Resolver       Resolver
	Logger         *slog.Logger      // Optional, defaults to slog.Default()
	Host           string            // Optional, interface the workers listen on, defaults to 127.0.0.1
	MaxMessageSize int64             // Optional, per-message ceiling for both stream directions, defaults to 64MiB
	Transport      http.RoundTripper // Optional
}

// NewRouter creates a Router.
func NewRouter(config Config) *Router {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := config.Host
	if host == "" {
		host = defaultHost
	}
	maxMessageSize := config.MaxMessageSize
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	dialer := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &Router{
		resolver:       config.Resolver,
		logger:         logger.With("component", "Router"),
		host:           host,
		maxMessageSize: maxMessageSize,
		transport:      transport,
		dialer: &websocket.Dialer{
			NetDialContext:   dialer.DialContext,
			HandshakeTimeout: 10 * time.Second,
		},
		upgrader: websocket.Upgrader{
			// Workers are only reachable through this local entry point.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()

	target, ok := rt.resolver.Lookup(r.URL.Path)
	if !ok {
		if _, ok := rt.resolver.Lookup(r.URL.Path + "/"); ok {
			redirect := r.URL.Path + "/"
			if r.URL.RawQuery != "" {
				redirect += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, redirect, http.StatusMovedPermanently)
			return
		}
		http.Error(w, "Not Found", http.StatusNotFound)
		rt.logger.Info("No ready worker for path", "trace", traceID, "method", r.Method, "path", r.URL.Path, "status", http.StatusNotFound)
		return
	}

	addr := net.JoinHostPort(rt.host, strconv.Itoa(target.Port))
	if websocket.IsWebSocketUpgrade(r) {
		rt.serveStream(w, r, target, addr, traceID)
		return
	}
	rt.serveHTTP(w, r, target, addr, traceID)
}

// stripRoute returns the worker-side path and raw path for u.
func stripRoute(u *url.URL, route string) (string, string) {
	mount := strings.TrimSuffix(route, "/")
	path := "/" + strings.TrimPrefix(strings.TrimPrefix(u.Path, mount), "/")
	rawPath := ""
	if u.RawPath != "" {
		rawPath = "/" + strings.TrimPrefix(strings.TrimPrefix(u.RawPath, mount), "/")
	}
	return path, rawPath
}

func (rt *Router) serveHTTP(w http.ResponseWriter, r *http.Request, target processes.Target, addr, traceID string) {
	logger := rt.logger.With("trace", traceID, "app", target.Name)
	targetURL := &url.URL{Scheme: "http", Host: addr}

	reverseProxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(targetURL)
			pr.Out.URL.Path, pr.Out.URL.RawPath = stripRoute(pr.In.URL, target.Route)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", strings.TrimSuffix(target.Route, "/"))
			pr.Out.Header.Set("X-Trace-ID", traceID)
		},
		Transport:     rt.transport,
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			logger.Debug("Proxied request", "method", r.Method, "path", r.URL.Path, "status", resp.StatusCode)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			logger.Error("Proxy transport error", "method", req.Method, "path", req.URL.Path, "target", targetURL.String(), "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	logger.Debug("Forwarding request", "method", r.Method, "path", r.URL.Path, "target", targetURL.String())
	reverseProxy.ServeHTTP(w, r)
}
