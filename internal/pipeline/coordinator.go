// Package pipeline coordinates the fetch → transcribe → persist stages:
// bounded worker pools connected by bounded channels, claim-based progress,
// and graceful shutdown with a partial summary.
package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/artifact"
	"github.com/snarg/cr-engine/internal/database"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/metrics"
	"github.com/snarg/cr-engine/internal/provider"
)

// ProgressStore is the slice of the database the coordinator consumes.
// All shared mutable state flows through its conditional-update API; workers
// never cache stage state.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, recordingID, callID string, startTime time.Time, recording json.RawMessage) (*database.Progress, error)
	Claim(ctx context.Context, recordingID string, from, to database.Stage) (bool, error)
	MarkFailed(ctx context.Context, recordingID, reason string) error
	SetProgressJobID(ctx context.Context, recordingID, jobID string) error
	ListByState(ctx context.Context, stage database.Stage, limit int) ([]database.Progress, error)
	ResetStale(ctx context.Context, from, to database.Stage) (int64, error)
	GetTranscript(ctx context.Context, recordingID string) (*database.TranscriptRow, error)
}

// Fetcher enumerates the window into a channel.
type Fetcher interface {
	Fetch(ctx context.Context, from, to time.Time, out chan<- provider.Recording) (int, error)
}

// Downloader stages a recording's audio bytes locally.
type Downloader interface {
	Download(ctx context.Context, rec provider.Recording, stageDir string) (string, error)
}

// Transcriber runs one recording through the transcription service.
type Transcriber interface {
	Transcribe(ctx context.Context, rec provider.Recording, audioPath string) (*artifact.Artifact, error)
}

// Persister finalizes one transcribed recording.
type Persister interface {
	Persist(ctx context.Context, rec provider.Recording, art *artifact.Artifact, audioPath string) error
}

// Options configures a coordinator run.
type Options struct {
	DB          ProgressStore
	Fetcher     Fetcher
	Downloader  Downloader
	Transcriber Transcriber
	Persister   Persister
	Metrics     *metrics.Collector
	StageDir    string

	TranscribeWorkers int // default 3
	PersistWorkers    int // default 3
	RecoveryBatch     int // rows per stage recovered from prior runs, default 500

	Log zerolog.Logger
}

// workItem is a recording headed for the transcribe pool, tagged with the
// stage its progress row is currently in.
type workItem struct {
	rec   provider.Recording
	stage database.Stage
}

// result pairs a transcribed recording with its artifact for the persist
// pool.
type result struct {
	rec       provider.Recording
	art       *artifact.Artifact
	audioPath string
}

// Coordinator owns the worker pools for one run.
type Coordinator struct {
	opts Options
	log  zerolog.Logger

	recCh chan workItem
	resCh chan result
}

func New(opts Options) *Coordinator {
	if opts.TranscribeWorkers <= 0 {
		opts.TranscribeWorkers = 3
	}
	if opts.PersistWorkers <= 0 {
		opts.PersistWorkers = 3
	}
	if opts.RecoveryBatch <= 0 {
		opts.RecoveryBatch = 500
	}
	return &Coordinator{
		opts: opts,
		log:  opts.Log.With().Str("component", "pipeline").Logger(),
		// Channel capacity is 2× the consuming pool; sends block when full
		// so an overloaded stage backpressures its producer.
		recCh: make(chan workItem, 2*opts.TranscribeWorkers),
		resCh: make(chan result, 2*opts.PersistWorkers),
	}
}

// TranscribeQueueDepth reports recordings waiting for a transcribe worker.
func (c *Coordinator) TranscribeQueueDepth() int { return len(c.recCh) }

// PersistQueueDepth reports results waiting for a persist worker.
func (c *Coordinator) PersistQueueDepth() int { return len(c.resCh) }

// Run executes one pipeline pass over the window. Cancellation lets each
// worker finish the stage it holds, drains the channels, and returns a
// partial summary.
func (c *Coordinator) Run(ctx context.Context, from, to time.Time) (*Summary, error) {
	summary := &Summary{
		RunID:       uuid.NewString(),
		WindowStart: from,
		WindowEnd:   to,
	}
	log := c.log.With().Str("run_id", summary.RunID).Logger()
	log.Info().Time("from", from).Time("to", to).
		Int("transcribe_workers", c.opts.TranscribeWorkers).
		Int("persist_workers", c.opts.PersistWorkers).
		Msg("pipeline run starting")

	// Rows left in transcribing by an interrupted run step back to
	// downloaded; their remote jobs were requested-cancelled at shutdown.
	if n, err := c.opts.DB.ResetStale(ctx, database.StageTranscribing, database.StageDownloaded); err != nil {
		return summary, fault.New(fault.LocalIO, "pipeline.recover", err)
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("reset stale transcribing rows to downloaded")
	}

	var persistWG sync.WaitGroup
	for i := 0; i < c.opts.PersistWorkers; i++ {
		persistWG.Add(1)
		go c.persistWorker(ctx, log, i, summary, &persistWG)
	}

	var transcribeWG sync.WaitGroup
	for i := 0; i < c.opts.TranscribeWorkers; i++ {
		transcribeWG.Add(1)
		go c.transcribeWorker(ctx, log, i, summary, &transcribeWG)
	}

	// Recover work left behind by earlier runs before fetching new work.
	if err := c.recover(ctx, log, summary); err != nil && fault.KindOf(err) != fault.Cancelled {
		log.Warn().Err(err).Msg("recovery incomplete")
	}

	// Fetch stage: a single worker enumerating the window.
	fetchErr := c.runFetch(ctx, log, from, to, summary)

	close(c.recCh)
	transcribeWG.Wait()
	close(c.resCh)
	persistWG.Wait()

	summary.Interrupted = ctx.Err() != nil
	if fetchErr != nil && fault.KindOf(fetchErr) == fault.Cancelled {
		fetchErr = nil
	}

	log.Info().
		Int("discovered", summary.Discovered).
		Int("recovered", summary.Recovered).
		Int("transcribed", summary.Transcribed).
		Int("persisted", summary.Persisted).
		Int("failed", summary.Failed).
		Int("deletion_deferred", summary.DeletionDeferred).
		Bool("interrupted", summary.Interrupted).
		Msg("pipeline run finished")
	return summary, fetchErr
}

// runFetch streams the window through the fetcher, creating progress rows
// and forwarding work to the transcribe pool.
func (c *Coordinator) runFetch(ctx context.Context, log zerolog.Logger, from, to time.Time, summary *Summary) error {
	fetchCh := make(chan provider.Recording)
	errCh := make(chan error, 1)
	go func() {
		defer close(fetchCh)
		_, err := c.opts.Fetcher.Fetch(ctx, from, to, fetchCh)
		errCh <- err
	}()

	for rec := range fetchCh {
		raw, err := json.Marshal(rec)
		if err != nil {
			log.Error().Err(err).Str("recording_id", rec.RecordingID).Msg("encode recording metadata")
			continue
		}
		if _, err := c.opts.DB.UpsertProgress(ctx, rec.RecordingID, rec.CallID, rec.StartTime, raw); err != nil {
			log.Error().Err(err).Str("recording_id", rec.RecordingID).Msg("progress upsert failed")
			continue
		}
		summary.add(func() { summary.Discovered++ })

		select {
		case c.recCh <- workItem{rec: rec, stage: database.StageDiscovered}:
		case <-ctx.Done():
			// Drain the fetcher so its goroutine can exit.
			for range fetchCh {
			}
			return <-errCh
		}
	}
	return <-errCh
}

// recover re-queues rows from prior runs: discovered/downloaded rows go back
// through the transcribe pool; transcribed rows (deletion deferred or crash
// after transcription) go straight to the persist pool.
func (c *Coordinator) recover(ctx context.Context, log zerolog.Logger, summary *Summary) error {
	for _, stage := range []database.Stage{database.StageDiscovered, database.StageDownloaded} {
		rows, err := c.opts.DB.ListByState(ctx, stage, c.opts.RecoveryBatch)
		if err != nil {
			return fault.New(fault.LocalIO, "pipeline.recover", err)
		}
		for _, p := range rows {
			rec, ok := decodeRecording(log, p)
			if !ok {
				continue
			}
			select {
			case c.recCh <- workItem{rec: rec, stage: stage}:
				summary.add(func() { summary.Recovered++ })
			case <-ctx.Done():
				return fault.New(fault.Cancelled, "pipeline.recover", ctx.Err())
			}
		}
	}

	rows, err := c.opts.DB.ListByState(ctx, database.StageTranscribed, c.opts.RecoveryBatch)
	if err != nil {
		return fault.New(fault.LocalIO, "pipeline.recover", err)
	}
	for _, p := range rows {
		rec, ok := decodeRecording(log, p)
		if !ok {
			continue
		}
		row, err := c.opts.DB.GetTranscript(ctx, p.RecordingID)
		if err != nil || row == nil {
			log.Warn().Err(err).Str("recording_id", p.RecordingID).
				Msg("transcribed row without stored transcript, skipping recovery")
			continue
		}
		var art artifact.Artifact
		if err := json.Unmarshal(row.Artifact, &art); err != nil {
			log.Warn().Err(err).Str("recording_id", p.RecordingID).Msg("stored artifact undecodable, skipping recovery")
			continue
		}
		select {
		case c.resCh <- result{rec: rec, art: &art, audioPath: c.stagedPath(p.RecordingID)}:
			summary.add(func() { summary.Recovered++ })
		case <-ctx.Done():
			return fault.New(fault.Cancelled, "pipeline.recover", ctx.Err())
		}
	}
	return nil
}

func decodeRecording(log zerolog.Logger, p database.Progress) (provider.Recording, bool) {
	var rec provider.Recording
	if len(p.Recording) == 0 {
		return rec, false
	}
	if err := json.Unmarshal(p.Recording, &rec); err != nil || rec.RecordingID == "" {
		log.Warn().Err(err).Str("recording_id", p.RecordingID).Msg("stored recording metadata undecodable")
		return rec, false
	}
	return rec, true
}

func (c *Coordinator) stagedPath(recordingID string) string {
	return filepath.Join(c.opts.StageDir, recordingID+".mp3")
}

func (c *Coordinator) transcribeWorker(ctx context.Context, log zerolog.Logger, id int, summary *Summary, wg *sync.WaitGroup) {
	defer wg.Done()
	wlog := log.With().Int("worker", id).Str("pool", "transcribe").Logger()

	for item := range c.recCh {
		if ctx.Err() != nil {
			// Shutdown: drain the queue without starting new work. The rows
			// stay in their current stage for the next run.
			summary.add(func() { summary.LeftInFlight++ })
			continue
		}
		c.processTranscribe(ctx, wlog, item, summary)
	}
}

func (c *Coordinator) processTranscribe(ctx context.Context, log zerolog.Logger, item workItem, summary *Summary) {
	// A worker panic must not take down the pool.
	defer func() {
		if rv := recover(); rv != nil {
			log.Error().Interface("panic", rv).Str("recording_id", item.rec.RecordingID).
				Msg("transcribe worker panicked")
			_ = c.opts.DB.MarkFailed(context.WithoutCancel(ctx), item.rec.RecordingID, "panic in transcribe worker")
			summary.addFailure(item.rec.RecordingID, "panic", fault.Newf(fault.Unknown, "pipeline", "worker panic"))
		}
	}()

	rec := item.rec
	audioPath := c.stagedPath(rec.RecordingID)

	if item.stage == database.StageDiscovered {
		ok, err := c.opts.DB.Claim(ctx, rec.RecordingID, database.StageDiscovered, database.StageDownloaded)
		if err != nil {
			log.Error().Err(err).Str("recording_id", rec.RecordingID).Msg("claim failed")
			return
		}
		if !ok {
			// Another coordinator advanced it.
			log.Debug().Str("recording_id", rec.RecordingID).Msg("claim lost, dropping")
			return
		}
	}

	// Stage the audio unless a prior run already left it on disk.
	if _, err := os.Stat(audioPath); err != nil {
		p, err := c.opts.Downloader.Download(ctx, rec, c.opts.StageDir)
		if err != nil {
			c.failTranscribe(ctx, rec, err, summary)
			return
		}
		audioPath = p
	}

	ok, err := c.opts.DB.Claim(ctx, rec.RecordingID, database.StageDownloaded, database.StageTranscribing)
	if err != nil {
		log.Error().Err(err).Str("recording_id", rec.RecordingID).Msg("claim failed")
		return
	}
	if !ok {
		log.Debug().Str("recording_id", rec.RecordingID).Msg("claim lost, dropping")
		return
	}

	art, err := c.opts.Transcriber.Transcribe(ctx, rec, audioPath)
	if err != nil {
		if fault.KindOf(err) == fault.Cancelled {
			// Left in transcribing; the next run resets and resumes it.
			summary.add(func() { summary.LeftInFlight++ })
			return
		}
		c.failTranscribe(ctx, rec, err, summary)
		return
	}

	if ok, err := c.opts.DB.Claim(ctx, rec.RecordingID, database.StageTranscribing, database.StageTranscribed); err != nil || !ok {
		log.Warn().Err(err).Str("recording_id", rec.RecordingID).Msg("transcribed claim lost, dropping")
		return
	}
	summary.add(func() { summary.Transcribed++ })

	// The persist queue is drained even during shutdown, so a plain send is
	// safe: every enqueued result reaches a persist worker.
	c.resCh <- result{rec: rec, art: art, audioPath: audioPath}
}

func (c *Coordinator) failTranscribe(ctx context.Context, rec provider.Recording, err error, summary *Summary) {
	kind := fault.KindOf(err)
	c.opts.Metrics.Count(metrics.StageTranscribe, metrics.OutcomeFailed)
	c.opts.Metrics.JobEvent(rec.RecordingID, metrics.StageTranscribe, metrics.OutcomeFailed, kind.String())
	_ = c.opts.DB.MarkFailed(context.WithoutCancel(ctx), rec.RecordingID, kind.String()+": "+err.Error())
	summary.addFailure(rec.RecordingID, kind.String(), err)
	c.log.Warn().Err(err).Str("recording_id", rec.RecordingID).Str("kind", kind.String()).
		Msg("recording failed in transcribe stage")
}

func (c *Coordinator) persistWorker(ctx context.Context, log zerolog.Logger, id int, summary *Summary, wg *sync.WaitGroup) {
	defer wg.Done()
	wlog := log.With().Int("worker", id).Str("pool", "persist").Logger()

	// Persist items run to completion even during shutdown: the artifact
	// exists only in memory until this stage stores it, and the queue is
	// bounded at 2× the pool, so the drain is short.
	for res := range c.resCh {
		c.processPersist(ctx, wlog, res, summary)
	}
}

func (c *Coordinator) processPersist(ctx context.Context, log zerolog.Logger, res result, summary *Summary) {
	defer func() {
		if rv := recover(); rv != nil {
			log.Error().Interface("panic", rv).Str("recording_id", res.rec.RecordingID).
				Msg("persist worker panicked")
			_ = c.opts.DB.MarkFailed(context.WithoutCancel(ctx), res.rec.RecordingID, "panic in persist worker")
			summary.addFailure(res.rec.RecordingID, "panic", fault.Newf(fault.Unknown, "pipeline", "worker panic"))
		}
	}()

	// An in-flight persist runs to completion even during shutdown so no
	// recording is left with audio deleted but progress unrecorded, or vice
	// versa mid-sequence.
	pctx := context.WithoutCancel(ctx)

	err := c.opts.Persister.Persist(pctx, res.rec, res.art, res.audioPath)
	switch {
	case err == nil:
		if ok, cerr := c.opts.DB.Claim(pctx, res.rec.RecordingID, database.StageTranscribed, database.StagePersisted); cerr != nil || !ok {
			log.Warn().Err(cerr).Str("recording_id", res.rec.RecordingID).Msg("persisted claim lost")
			return
		}
		summary.add(func() { summary.Persisted++ })
	case fault.KindOf(err) == fault.Deletion:
		// Transcript and archive copy are durable; only audio destruction is
		// outstanding. Progress stays at transcribed for the next run.
		summary.add(func() { summary.DeletionDeferred++ })
		log.Warn().Err(err).Str("recording_id", res.rec.RecordingID).
			Msg("audio deletion unverified, persistence deferred")
	case fault.KindOf(err) == fault.Cancelled:
		summary.add(func() { summary.LeftInFlight++ })
	default:
		kind := fault.KindOf(err)
		_ = c.opts.DB.MarkFailed(pctx, res.rec.RecordingID, kind.String()+": "+err.Error())
		summary.addFailure(res.rec.RecordingID, kind.String(), err)
		log.Warn().Err(err).Str("recording_id", res.rec.RecordingID).Str("kind", kind.String()).
			Msg("recording failed in persist stage")
	}
}
