// Package fetch enumerates new recordings from the provider call log and
// filters out work the pipeline has already seen.
package fetch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/metrics"
	"github.com/snarg/cr-engine/internal/provider"
)

// pageCap bounds enumeration against a misbehaving upstream. A safety bound
// carried over from the provider's pagination behaviour, not a semantic
// guarantee.
const pageCap = 1000

// Per-page retry backoff.
const (
	retryBase   = time.Second
	retryFactor = 2
	retryMax    = 60 * time.Second
	maxAttempts = 3
)

// CallLog is the slice of the provider client the fetcher consumes.
type CallLog interface {
	CallLogPage(ctx context.Context, from, to time.Time, page, perPage int) ([]provider.Recording, bool, error)
}

// ProgressChecker answers whether a recording is already being processed.
type ProgressChecker interface {
	HasActiveProgress(ctx context.Context, recordingID string) (bool, error)
}

// Fetcher walks the call log for a date window and emits deduplicated
// recordings, newest first as the provider returns them.
type Fetcher struct {
	callLog  CallLog
	progress ProgressChecker
	pageSize int
	log      zerolog.Logger
}

func New(callLog CallLog, progress ProgressChecker, pageSize int, log zerolog.Logger) *Fetcher {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Fetcher{
		callLog:  callLog,
		progress: progress,
		pageSize: pageSize,
		log:      log.With().Str("component", "fetch").Logger(),
	}
}

// Fetch streams recordings for the window into out. It returns the number of
// recordings emitted. The channel is not closed; that's the caller's job.
func (f *Fetcher) Fetch(ctx context.Context, from, to time.Time, out chan<- provider.Recording) (int, error) {
	emitted := 0
	for page := 1; ; page++ {
		if page > pageCap {
			f.log.Warn().Int("page_cap", pageCap).Msg("reached page cap, stopping enumeration")
			break
		}

		recs, hasMore, err := f.fetchPage(ctx, from, to, page)
		if err != nil {
			return emitted, err
		}

		for _, rec := range recs {
			active, err := f.progress.HasActiveProgress(ctx, rec.RecordingID)
			if err != nil {
				return emitted, fault.New(fault.LocalIO, "fetch.dedup", err)
			}
			if active {
				f.log.Debug().Str("recording_id", rec.RecordingID).Msg("already processed, skipping")
				continue
			}

			select {
			case out <- rec:
				emitted++
				metrics.RecordingsDiscoveredTotal.Inc()
			case <-ctx.Done():
				return emitted, fault.New(fault.Cancelled, "fetch", ctx.Err())
			}
		}

		if !hasMore {
			break
		}
	}

	f.log.Info().Int("discovered", emitted).Msg("call log enumeration complete")
	return emitted, nil
}

// fetchPage retrieves one page with exponential backoff on transient errors.
// Auth failures abort immediately (the client has already retried once after
// a token refresh).
func (f *Fetcher) fetchPage(ctx context.Context, from, to time.Time, page int) ([]provider.Recording, bool, error) {
	delay := retryBase
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		recs, hasMore, err := f.callLog.CallLogPage(ctx, from, to, page, f.pageSize)
		if err == nil {
			return recs, hasMore, nil
		}
		lastErr = err

		switch fault.KindOf(err) {
		case fault.Transient:
			if attempt == maxAttempts {
				break
			}
			f.log.Warn().Err(err).Int("page", page).Int("attempt", attempt).Dur("backoff", delay).
				Msg("call log page failed, retrying")
			if serr := sleep(ctx, delay); serr != nil {
				return nil, false, fault.New(fault.Cancelled, "fetch.page", serr)
			}
			delay *= retryFactor
			if delay > retryMax {
				delay = retryMax
			}
		default:
			// Auth, validation, cancellation: bubble up and abort enumeration.
			return nil, false, err
		}
	}
	return nil, false, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
