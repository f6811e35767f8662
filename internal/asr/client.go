package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/ratelimit"
)

const jobsEndpoint = "/jobs"

// Options configures the ASR client.
type Options struct {
	BaseURL string
	APIKey  string
	Org     string
	Limiter *ratelimit.Limiter
	Log     zerolog.Logger
}

// Client calls the transcription service. Submission uploads the audio file;
// completion is observed by polling GetJob.
type Client struct {
	baseURL string
	apiKey  string
	org     string
	limiter *ratelimit.Limiter
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(opts Options) *Client {
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		org:     opts.Org,
		limiter: opts.Limiter,
		http:    &http.Client{Timeout: 5 * time.Minute},
		log:     opts.Log.With().Str("component", "asr").Logger(),
	}
}

func (c *Client) jobsURL() string {
	return fmt.Sprintf("%s/organizations/%s%s", c.baseURL, c.org, jobsEndpoint)
}

// Submit uploads an audio file with the requested options and returns the
// service-assigned job id.
func (c *Client) Submit(ctx context.Context, audioPath string, opts SubmitOptions) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fault.New(fault.LocalIO, "asr.submit", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", fault.New(fault.LocalIO, "asr.submit", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fault.New(fault.LocalIO, "asr.submit", err)
	}

	w.WriteField("language_code", opts.Language)
	w.WriteField("engine", opts.Engine)
	w.WriteField("word_level_timestamps", strconv.FormatBool(opts.WordTimestamps))
	w.WriteField("sentence_level_timestamps", strconv.FormatBool(opts.SentenceTimestamps))
	w.WriteField("diarization", strconv.FormatBool(opts.Diarization))
	w.WriteField("srt", "true")
	if opts.SummarizeSentences > 0 {
		w.WriteField("summarize", strconv.Itoa(opts.SummarizeSentences))
	}
	if opts.CustomVocabulary != "" {
		w.WriteField("custom_vocabulary", opts.CustomVocabulary)
	}
	if opts.InitialPrompt != "" {
		w.WriteField("custom_prompt", opts.InitialPrompt)
	}
	w.Close()

	if _, err := c.limiter.Wait(ctx, jobsEndpoint); err != nil {
		return "", fault.New(fault.Cancelled, "asr.submit", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.jobsURL(), &buf)
	if err != nil {
		return "", fault.New(fault.Validation, "asr.submit", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Salad-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fault.New(fault.Transient, "asr.submit", err)
	}
	defer resp.Body.Close()
	c.limiter.RecordResponse(jobsEndpoint, resp.StatusCode, resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.New(fault.Transient, "asr.submit", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fault.Newf(fault.Transient, "asr.submit", "rate limited (status 429)")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fault.Newf(fault.Auth, "asr.submit", "authentication failed (status %d)", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Validation errors from the submit step are not retried.
		return "", fault.Newf(fault.Validation, "asr.submit", "rejected (status %d): %s", resp.StatusCode, string(body))
	default:
		return "", fault.Newf(fault.Transient, "asr.submit", "server error (status %d)", resp.StatusCode)
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return "", fault.New(fault.Validation, "asr.submit", fmt.Errorf("decode response: %w", err))
	}
	if job.ID == "" {
		return "", fault.Newf(fault.Validation, "asr.submit", "submit succeeded but no job id returned")
	}

	c.log.Debug().Str("job_id", job.ID).Str("file", filepath.Base(audioPath)).Msg("transcription job submitted")
	return job.ID, nil
}

// GetJob fetches the current status (and, when terminal, the output) of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := c.limiter.Wait(ctx, jobsEndpoint); err != nil {
		return nil, fault.New(fault.Cancelled, "asr.status", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobsURL()+"/"+jobID, nil)
	if err != nil {
		return nil, fault.New(fault.Validation, "asr.status", err)
	}
	req.Header.Set("Salad-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.New(fault.Transient, "asr.status", err)
	}
	defer resp.Body.Close()
	c.limiter.RecordResponse(jobsEndpoint, resp.StatusCode, resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.New(fault.Transient, "asr.status", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fault.Newf(fault.Transient, "asr.status", "rate limited (status 429)")
	case resp.StatusCode >= 500:
		return nil, fault.Newf(fault.Transient, "asr.status", "server error (status %d)", resp.StatusCode)
	default:
		return nil, fault.Newf(fault.Validation, "asr.status", "unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fault.New(fault.Validation, "asr.status", fmt.Errorf("decode response: %w", err))
	}
	return &job, nil
}

// DecodeOutput decodes a succeeded job's output payload.
func (j *Job) DecodeOutput() (*Output, error) {
	if len(j.Output) == 0 {
		return nil, fault.Newf(fault.Validation, "asr.output", "job %s succeeded but carries no output", j.ID)
	}
	var out Output
	if err := json.Unmarshal(j.Output, &out); err != nil {
		return nil, fault.New(fault.Validation, "asr.output", fmt.Errorf("decode output: %w", err))
	}
	return &out, nil
}

// Cancel requests deletion of a running job. Best effort: a failed cancel is
// logged, not returned, since it races job completion on the service side.
func (c *Client) Cancel(ctx context.Context, jobID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.jobsURL()+"/"+jobID, nil)
	if err != nil {
		return
	}
	req.Header.Set("Salad-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("job_id", jobID).Msg("remote cancel failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		c.log.Warn().Int("status", resp.StatusCode).Str("job_id", jobID).Msg("remote cancel rejected")
		return
	}
	c.log.Debug().Str("job_id", jobID).Msg("remote job cancelled")
}
