package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/ratelimit"
)

const (
	callLogEndpoint = "/restapi/v1.0/account/~/call-log"
	contentEndpoint = "/content"
)

// Options configures the provider client.
type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	JWT          string
	Limiter      *ratelimit.Limiter
	Log          zerolog.Logger
}

// Client is the telephony provider REST client. API requests pass through the
// rate limiter and their response status is fed back for 429 handling. Only
// Authenticate admits its token fetch through the limiter; a token refresh
// made inside a request is not admitted and its status is not recorded.
type Client struct {
	baseURL string
	tokens  *tokenSource
	limiter *ratelimit.Limiter
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(opts Options) *Client {
	hc := &http.Client{Timeout: 2 * time.Minute}
	return &Client{
		baseURL: opts.BaseURL,
		tokens:  newTokenSource(opts.BaseURL, opts.ClientID, opts.ClientSecret, opts.JWT, hc),
		limiter: opts.Limiter,
		http:    hc,
		log:     opts.Log.With().Str("component", "provider").Logger(),
	}
}

// Authenticate forces a token fetch. Called at run start so an auth failure
// aborts before any work is performed.
func (c *Client) Authenticate(ctx context.Context) error {
	if _, err := c.limiter.Wait(ctx, tokenEndpoint); err != nil {
		return fault.New(fault.Cancelled, "provider.auth", err)
	}
	_, err := c.tokens.Token(ctx)
	return err
}

// do performs an authenticated GET with rate-limiter admission and a single
// re-auth on 401. The caller owns the response body.
func (c *Client) do(ctx context.Context, endpoint, rawURL string) (*http.Response, error) {
	reauthed := false
	for {
		if _, err := c.limiter.Wait(ctx, endpoint); err != nil {
			return nil, fault.New(fault.Cancelled, "provider.request", err)
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fault.New(fault.Validation, "provider.request", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fault.New(fault.Transient, "provider.request", err)
		}

		c.limiter.RecordResponse(endpoint, resp.StatusCode, resp.Header)

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusUnauthorized && !reauthed:
			// Expired token: invalidate the cache and retry exactly once.
			resp.Body.Close()
			c.log.Warn().Str("endpoint", endpoint).Msg("access token rejected, re-authenticating")
			c.tokens.Invalidate()
			reauthed = true
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return nil, fault.Newf(fault.Auth, "provider.request", "authentication failed (status %d)", resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			// Penalty is registered with the limiter; retry after it clears.
			resp.Body.Close()
			continue
		case resp.StatusCode >= 500:
			resp.Body.Close()
			return nil, fault.Newf(fault.Transient, "provider.request", "server error (status %d)", resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fault.Newf(fault.Validation, "provider.request", "unexpected status %d: %s", resp.StatusCode, string(body))
		}
	}
}

// CallLogPage fetches one page of the call log for a date window. Only
// records carrying a recording are returned. hasMore reports whether pages
// remain after this one.
func (c *Client) CallLogPage(ctx context.Context, from, to time.Time, page, perPage int) (recs []Recording, hasMore bool, err error) {
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	q := url.Values{}
	q.Set("dateFrom", from.UTC().Format(time.RFC3339))
	q.Set("dateTo", to.UTC().Format(time.RFC3339))
	q.Set("perPage", fmt.Sprintf("%d", perPage))
	q.Set("page", fmt.Sprintf("%d", page))
	q.Set("recordingType", "All")

	resp, err := c.do(ctx, callLogEndpoint, c.baseURL+callLogEndpoint+"?"+q.Encode())
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var parsed callLogResponse
	if err := decodeJSON(resp.Body, &parsed); err != nil {
		return nil, false, fault.New(fault.Validation, "provider.call_log", err)
	}

	for _, r := range parsed.Records {
		if rec, ok := r.toRecording(); ok {
			recs = append(recs, rec)
		}
	}
	hasMore = parsed.Paging.TotalPages > parsed.Paging.Page
	return recs, hasMore, nil
}

// Download streams the recording's audio bytes into the staging directory
// and returns the written path. The file is written atomically via a temp
// file rename so a crashed download never leaves a plausible-looking file.
func (c *Client) Download(ctx context.Context, rec Recording, stageDir string) (string, error) {
	contentURL := rec.ContentURI
	if contentURL == "" {
		return "", fault.Newf(fault.Validation, "provider.download", "recording %s has no content URI", rec.RecordingID)
	}

	resp, err := c.do(ctx, contentEndpoint, contentURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return "", fault.New(fault.LocalIO, "provider.download", err)
	}

	dest := filepath.Join(stageDir, rec.RecordingID+".mp3")
	tmp, err := os.CreateTemp(stageDir, ".download-*.tmp")
	if err != nil {
		return "", fault.New(fault.LocalIO, "provider.download", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fault.New(fault.Transient, "provider.download", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fault.New(fault.LocalIO, "provider.download", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fault.New(fault.LocalIO, "provider.download", err)
	}

	c.log.Debug().
		Str("recording_id", rec.RecordingID).
		Int64("bytes", n).
		Str("path", dest).
		Msg("audio downloaded")
	return dest, nil
}
