package runlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSinkTimeout = 10 * time.Second
	tokenLifetime      = 5 * time.Minute
	tokenIssuer        = "devhub"
)

// HTTPSink pushes run records to a remote run log service. Every request
// carries a short-lived HS256 bearer token signed with the shared secret.
type HTTPSink struct {
	baseURL string
	secret  []byte
	client  *http.Client
}

// NewHTTPSink creates a sink posting to baseURL. client may be nil.
func NewHTTPSink(baseURL, secret string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: defaultSinkTimeout}
	}
	return &HTTPSink{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  []byte(secret),
		client:  client,
	}
}

func (h *HTTPSink) token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

func (h *HTTPSink) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}
	token, err := h.token()
	if err != nil {
		return fmt.Errorf("failed to sign run log token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("run log request %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("run log request %s returned %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// CreateRun implements Sink.
func (h *HTTPSink) CreateRun(ctx context.Context, run Run) error {
	return h.post(ctx, "/runs", run)
}

// AppendLog implements Sink.
func (h *HTTPSink) AppendLog(ctx context.Context, runID string, line LogLine) error {
	return h.post(ctx, "/runs/"+url.PathEscape(runID)+"/logs", line)
}

// FinishRun implements Sink.
func (h *HTTPSink) FinishRun(ctx context.Context, run Run) error {
	return h.post(ctx, "/runs/"+url.PathEscape(run.ID)+"/finish", run)
}

// VerifyToken checks a bearer token produced by an HTTPSink with secret. It
// is used by receiving services and tests.
func VerifyToken(token, secret string) error {
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	return err
}
