// Package transcribe turns one staged recording into a canonical transcript
// artifact: submit to the transcription service, poll until terminal, fetch
// and normalize the result.
package transcribe

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/artifact"
	"github.com/snarg/cr-engine/internal/asr"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/metrics"
	"github.com/snarg/cr-engine/internal/provider"
)

// ASR is the slice of the transcription service client the worker consumes.
type ASR interface {
	Submit(ctx context.Context, audioPath string, opts asr.SubmitOptions) (string, error)
	GetJob(ctx context.Context, jobID string) (*asr.Job, error)
	Cancel(ctx context.Context, jobID string)
}

// Options configures transcription behaviour for all workers.
type Options struct {
	ASR asr.SubmitOptions

	PollInterval time.Duration // default 3s
	MaxWait      time.Duration // default 1h
	MaxRetries   int           // full submit→poll→fetch cycles, default 3
	RetryDelay   time.Duration // backoff base, multiplied by attempt, default 5s

	// OnSubmitted is called with the service job id as soon as submission
	// succeeds, so progress survives a crash mid-poll. May be nil.
	OnSubmitted func(recordingID, jobID string)

	Metrics *metrics.Collector
	Log     zerolog.Logger
}

// Worker runs transcription jobs. It holds no mutable state of its own;
// several may share one instance.
type Worker struct {
	svc  ASR
	opts Options
	log  zerolog.Logger
}

func NewWorker(svc ASR, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Worker{
		svc:  svc,
		opts: opts,
		log:  opts.Log.With().Str("component", "transcribe").Logger(),
	}
}

// Transcribe runs up to MaxRetries full job cycles for one recording and
// returns the composed artifact. Validation errors, terminal job failure,
// and cancellation are not retried.
func (w *Worker) Transcribe(ctx context.Context, rec provider.Recording, audioPath string) (*artifact.Artifact, error) {
	log := w.log.With().Str("recording_id", rec.RecordingID).Logger()

	var lastErr error
	for attempt := 1; attempt <= w.opts.MaxRetries; attempt++ {
		art, err := w.runJob(ctx, log, rec, audioPath)
		if err == nil {
			return art, nil
		}
		lastErr = err

		kind := fault.KindOf(err)
		if kind == fault.Timeout {
			w.opts.Metrics.Count(metrics.StageTranscribe, metrics.OutcomeTimeout)
		}
		if !fault.Retryable(err) || attempt == w.opts.MaxRetries {
			break
		}

		delay := w.opts.RetryDelay * time.Duration(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).
			Msg("transcription cycle failed, retrying")
		if serr := sleep(ctx, delay); serr != nil {
			return nil, fault.New(fault.Cancelled, "transcribe.retry", serr)
		}
	}
	return nil, lastErr
}

// runJob is one full submit→poll→fetch cycle.
func (w *Worker) runJob(ctx context.Context, log zerolog.Logger, rec provider.Recording, audioPath string) (*artifact.Artifact, error) {
	submitted := time.Now()

	jobID, err := w.svc.Submit(ctx, audioPath, w.opts.ASR)
	if err != nil {
		return nil, err
	}
	w.opts.Metrics.Count(metrics.StageTranscribe, metrics.OutcomeSubmitted)
	w.opts.Metrics.JobEvent(rec.RecordingID, metrics.StageTranscribe, metrics.OutcomeSubmitted, jobID)
	if w.opts.OnSubmitted != nil {
		w.opts.OnSubmitted(rec.RecordingID, jobID)
	}
	log.Debug().Str("job_id", jobID).Msg("job submitted, polling")

	job, err := w.poll(ctx, log, jobID)
	if err != nil {
		return nil, err
	}
	completed := time.Now()

	out, err := job.DecodeOutput()
	if err != nil {
		return nil, err
	}

	art, err := artifact.Compose(artifact.ComposeInput{
		Recording:   rec,
		JobID:       jobID,
		Submitted:   submitted,
		Completed:   completed,
		Diarization: w.opts.ASR.Diarization,
	}, out)
	if err != nil {
		return nil, err
	}

	w.opts.Metrics.Count(metrics.StageTranscribe, metrics.OutcomeSucceeded)
	w.opts.Metrics.JobEvent(rec.RecordingID, metrics.StageTranscribe, metrics.OutcomeSucceeded, jobID)
	w.opts.Metrics.ObserveProcessing(art.ProcessingSecs, art.AudioDurationSecs)

	log.Info().
		Str("job_id", jobID).
		Int("words", art.WordCount).
		Int("segments", len(art.Segments)).
		Float64("processing_secs", art.ProcessingSecs).
		Msg("transcription complete")
	return art, nil
}

// poll checks job status on a fixed interval until it reaches a terminal
// state or the total wait exceeds MaxWait. Cancellation mid-poll requests a
// best-effort remote cancel before propagating.
func (w *Worker) poll(ctx context.Context, log zerolog.Logger, jobID string) (*asr.Job, error) {
	deadline := time.Now().Add(w.opts.MaxWait)
	lastStatus := ""

	for {
		if time.Now().After(deadline) {
			w.cancelRemote(jobID)
			return nil, fault.Newf(fault.Timeout, "transcribe.poll",
				"job %s exceeded max wait of %s", jobID, w.opts.MaxWait)
		}

		job, err := w.svc.GetJob(ctx, jobID)
		if err != nil {
			if fault.KindOf(err) == fault.Cancelled {
				w.cancelRemote(jobID)
			}
			return nil, err
		}

		if job.Status != lastStatus {
			w.opts.Metrics.JobEvent("", metrics.StageTranscribe, job.Status, jobID)
			log.Debug().Str("job_id", jobID).Str("status", job.Status).Msg("job status changed")
			lastStatus = job.Status
		}

		switch job.Status {
		case asr.StatusSucceeded:
			return job, nil
		case asr.StatusFailed:
			return nil, fault.Newf(fault.JobFailed, "transcribe.poll",
				"job %s failed: %s", jobID, job.Error)
		case asr.StatusCancelled:
			return nil, fault.Newf(fault.Cancelled, "transcribe.poll", "job %s cancelled remotely", jobID)
		}

		if err := sleep(ctx, w.opts.PollInterval); err != nil {
			w.cancelRemote(jobID)
			return nil, fault.New(fault.Cancelled, "transcribe.poll", err)
		}
	}
}

// cancelRemote requests cancellation of the remote job on a fresh context:
// the worker's own context is already cancelled or expired by the time this
// runs.
func (w *Worker) cancelRemote(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.svc.Cancel(ctx, jobID)
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
