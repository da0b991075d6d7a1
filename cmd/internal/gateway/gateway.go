package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"hms/cmd/internal/auth/credential"
)

const (
	// RequestIDHeader is shared by an original request and its replay.
	RequestIDHeader = "X-Request-ID"

	maxErrorBody    = 16 << 10
	maxResponseBody = 8 << 20
)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Refresher returns a credential newer than the one carrying staleAccessToken.
type Refresher interface {
	Refresh(ctx context.Context, staleAccessToken string) (credential.Credential, error)
}

// Observer receives replay outcomes. Implementations must not block.
type Observer interface {
	Replayed(result string)
}

// Replay outcomes reported to Observer.
const (
	ReplayOK           = "ok"
	ReplayUnauthorized = "unauthorized"
	ReplayRefreshFail  = "refresh_failed"
	ReplayError        = "error"
)

// Config controls a Gateway.
type Config struct {
	// BaseURL is the REST API root. Relative request paths are resolved against it.
	BaseURL string

	// ExpirySkew triggers a refresh before sending when the access token expires within it.
	// Zero disables proactive refresh.
	ExpirySkew time.Duration

	Observer Observer
}

// Gateway attaches the current access token to requests and replays once after a 401.
type Gateway struct {
	base  *url.URL
	http  Doer
	store *credential.Store
	ref   Refresher
	log   *slog.Logger
	skew  time.Duration
	obs   Observer
	now   func() time.Time
}

// New builds a Gateway.
func New(doer Doer, store *credential.Store, ref Refresher, log *slog.Logger, cfg Config) (*Gateway, error) {
	if store == nil || ref == nil {
		return nil, fmt.Errorf("%w: store and refresher are required", ErrConfig)
	}
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrConfig, cfg.BaseURL)
	}
	if cfg.ExpirySkew < 0 {
		return nil, fmt.Errorf("%w: negative expiry skew", ErrConfig)
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		base:  base,
		http:  doer,
		store: store,
		ref:   ref,
		log:   log,
		skew:  cfg.ExpirySkew,
		obs:   cfg.Observer,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Do sends req with the current access token. On a 401 it refreshes once and replays req.
//
// The returned response is whatever the last attempt produced, including a 401 from the replay
// or any other status; Do only returns an error for transport failures (*NetworkError), a
// missing session (ErrNotLoggedIn) or a failed refresh. The caller closes the response body.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("gateway: read request body: %w", err)
		}
		body = b
	}

	rid := req.Header.Get(RequestIDHeader)
	if rid == "" {
		rid = uuid.NewString()
	}

	cred, ok := g.store.Get()
	if !ok {
		return nil, ErrNotLoggedIn
	}
	if g.skew > 0 && cred.ExpiredAt(g.now(), g.skew) {
		fresh, err := g.ref.Refresh(ctx, cred.AccessToken)
		if err != nil {
			return nil, err
		}
		cred = fresh
		g.log.Debug("http.refresh.proactive", "request_id", rid, "credential_version", cred.Version)
	}

	resp, err := g.send(req, body, rid, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	usedToken := cred.AccessToken
	g.log.Info("http.auth.rejected",
		"request_id", rid,
		"method", req.Method,
		"path", req.URL.Path,
		"token_fp", cred.Fingerprint(),
	)

	fresh, err := g.ref.Refresh(ctx, usedToken)
	if err != nil {
		g.observe(ReplayRefreshFail)
		return nil, err
	}

	resp, err = g.send(req, body, rid, fresh.AccessToken)
	if err != nil {
		g.observe(ReplayError)
		return nil, err
	}

	result := ReplayOK
	if resp.StatusCode == http.StatusUnauthorized {
		result = ReplayUnauthorized
	}
	g.observe(result)
	g.log.Info("http.replay",
		"request_id", rid,
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"credential_version", fresh.Version,
	)
	return resp, nil
}

// DoJSON sends in (when non-nil) as JSON to path and decodes a 2xx body into out (when non-nil).
// Non-2xx responses become *StatusError.
func (g *Gateway) DoJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := g.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")
	rid := uuid.NewString()
	req.Header.Set(RequestIDHeader, rid)

	resp, err := g.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		drain(resp)
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		env := readErrorEnvelope(resp.Body)
		return &StatusError{
			Method:    method,
			Path:      req.URL.Path,
			Status:    resp.StatusCode,
			Code:      env.Code,
			Message:   env.Message,
			RequestID: rid,
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// NewRequest builds a request for path joined onto the base URL. Absolute URLs are kept.
func (g *Gateway) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse path: %w", err)
	}
	target := ref
	if !ref.IsAbs() {
		target = g.base.JoinPath(ref.Path)
		target.RawQuery = ref.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("gateway: new request: %w", err)
	}
	return req, nil
}

func (g *Gateway) send(orig *http.Request, body []byte, rid, accessToken string) (*http.Response, error) {
	req := orig.Clone(orig.Context())
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else {
		req.Body = http.NoBody
		req.ContentLength = 0
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set(RequestIDHeader, rid)

	resp, err := g.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && orig.Context().Err() != nil {
			return nil, orig.Context().Err()
		}
		g.log.Warn("http.request.fail",
			"request_id", rid,
			"method", req.Method,
			"path", req.URL.Path,
			"err", err,
		)
		return nil, &NetworkError{Method: req.Method, Path: req.URL.Path, Err: err}
	}
	return resp, nil
}

func (g *Gateway) observe(result string) {
	if g.obs != nil {
		g.obs.Replayed(result)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func readErrorEnvelope(r io.Reader) apiError {
	var env struct {
		Error apiError `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, maxErrorBody)).Decode(&env); err != nil {
		return apiError{}
	}
	return env.Error
}
