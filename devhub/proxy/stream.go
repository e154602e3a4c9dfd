package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomyedwab/devhub/devhub/processes"
)

// Headers the websocket dialer sets itself.
var handshakeHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
}

// serveStream bridges one inbound websocket to one connection on the worker.
// Two copy loops run until either side closes or fails; the first failure
// tears down both connections.
func (rt *Router) serveStream(w http.ResponseWriter, r *http.Request, target processes.Target, addr, traceID string) {
	logger := rt.logger.With("trace", traceID, "app", target.Name)

	path, rawPath := stripRoute(r.URL, target.Route)
	backendURL := url.URL{Scheme: "ws", Host: addr, Path: path, RawPath: rawPath, RawQuery: r.URL.RawQuery}

	header := http.Header{}
	for k, vs := range r.Header {
		if !handshakeHeaders[k] {
			header[k] = vs
		}
	}
	header.Set("X-Trace-ID", traceID)
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		header.Set("X-Forwarded-For", clientIP)
	}

	backendConn, resp, err := rt.dialer.DialContext(r.Context(), backendURL.String(), header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Error("Failed to dial worker stream", "target", backendURL.String(), "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer backendConn.Close()

	upgradeHeader := http.Header{}
	if subprotocol := backendConn.Subprotocol(); subprotocol != "" {
		upgradeHeader.Set("Sec-WebSocket-Protocol", subprotocol)
	}
	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
		upgradeHeader["Set-Cookie"] = cookies
	}
	clientConn, err := rt.upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		logger.Warn("Failed to upgrade client stream", "path", r.URL.Path, "error", err)
		return
	}
	defer clientConn.Close()

	clientConn.SetReadLimit(rt.maxMessageSize)
	backendConn.SetReadLimit(rt.maxMessageSize)

	logger.Info("Stream opened", "path", r.URL.Path, "target", backendURL.String())
	errc := make(chan error, 2)
	go copyMessages(backendConn, clientConn, errc)
	go copyMessages(clientConn, backendConn, errc)

	select {
	case err = <-errc:
	case <-r.Context().Done():
		// Server shutdown. The deferred closes end both copy loops.
		logger.Info("Stream closed by shutdown", "path", r.URL.Path)
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		logger.Info("Stream closed", "path", r.URL.Path, "code", closeErr.Code)
	} else {
		logger.Warn("Stream failed", "path", r.URL.Path, "error", err)
	}
}

// copyMessages forwards messages from src to dst one frame sequence at a time
// without holding a whole message in memory. When src ends, its close code is
// passed on to dst.
func copyMessages(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, reader, err := src.NextReader()
		if err != nil {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseNoStatusReceived {
				closeMsg = websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
			} else if errors.Is(err, websocket.ErrReadLimit) {
				closeMsg = websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "")
			}
			dst.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			errc <- err
			return
		}

		writer, err := dst.NextWriter(msgType)
		if err != nil {
			errc <- err
			return
		}
		if _, err := io.Copy(writer, reader); err != nil {
			writer.Close()
			errc <- err
			return
		}
		if err := writer.Close(); err != nil {
			errc <- err
			return
		}
	}
}
