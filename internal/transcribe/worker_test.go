package transcribe

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/asr"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/metrics"
	"github.com/snarg/cr-engine/internal/provider"
	"github.com/stretchr/testify/require"
)

// fakeASR scripts one job lifecycle: submit errors per attempt, then a
// sequence of poll statuses.
type fakeASR struct {
	mu           sync.Mutex
	submitErrs   []error  // consumed per Submit call; nil entries succeed
	statuses     []string // consumed per GetJob call; last repeats
	output       json.RawMessage
	jobError     string
	submits      int
	polls        int
	cancelledIDs []string
}

func (f *fakeASR) Submit(ctx context.Context, audioPath string, opts asr.SubmitOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "job-1", nil
}

func (f *fakeASR) GetJob(ctx context.Context, jobID string) (*asr.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	status := asr.StatusRunning
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return &asr.Job{ID: jobID, Status: status, Error: f.jobError, Output: f.output}, nil
}

func (f *fakeASR) Cancel(ctx context.Context, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledIDs = append(f.cancelledIDs, jobID)
}

func (f *fakeASR) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelledIDs...)
}

func testOutput(t *testing.T) json.RawMessage {
	t.Helper()
	out := asr.Output{
		Text:     "hello world",
		Language: "en-US",
		Segments: []asr.RawSegment{{Start: 0, End: 1, Text: "hello world"}},
	}
	data, err := json.Marshal(out)
	require.NoError(t, err)
	return data
}

func testRecording() provider.Recording {
	return provider.Recording{
		RecordingID:     "r1",
		CallID:          "c1",
		StartTime:       time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		DurationSeconds: 30,
		Direction:       provider.DirectionInbound,
	}
}

func newTestWorker(svc ASR, mutate func(*Options)) *Worker {
	opts := Options{
		ASR:          asr.SubmitOptions{Language: "en-US", Engine: "full"},
		PollInterval: time.Millisecond,
		MaxWait:      time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
		Metrics:      metrics.NewCollector(),
		Log:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewWorker(svc, opts)
}

func TestTranscribe_HappyPath(t *testing.T) {
	svc := &fakeASR{
		statuses: []string{asr.StatusPending, asr.StatusRunning, asr.StatusSucceeded},
		output:   testOutput(t),
	}
	var gotJobID string
	w := newTestWorker(svc, func(o *Options) {
		o.OnSubmitted = func(recordingID, jobID string) { gotJobID = jobID }
	})

	art, err := w.Transcribe(context.Background(), testRecording(), "/tmp/r1.mp3")
	require.NoError(t, err)
	require.Equal(t, "r1", art.RecordingID)
	require.Equal(t, "job-1", art.JobID)
	require.Equal(t, 2, art.WordCount)
	require.Equal(t, "job-1", gotJobID)
	require.Equal(t, 1, svc.submits)
}

func TestTranscribe_Timeout(t *testing.T) {
	svc := &fakeASR{statuses: []string{asr.StatusRunning}} // runs forever
	w := newTestWorker(svc, func(o *Options) {
		o.MaxWait = 20 * time.Millisecond
		o.MaxRetries = 2
	})

	_, err := w.Transcribe(context.Background(), testRecording(), "/tmp/r1.mp3")
	require.Error(t, err)
	require.Equal(t, fault.Timeout, fault.KindOf(err))
	require.Equal(t, 2, svc.submits, "timeout consumes the retry budget")
	require.NotEmpty(t, svc.cancelled(), "timed-out jobs are cancelled remotely")
}

func TestTranscribe_JobFailedNotRetried(t *testing.T) {
	svc := &fakeASR{statuses: []string{asr.StatusFailed}, jobError: "audio corrupt"}
	w := newTestWorker(svc, nil)

	_, err := w.Transcribe(context.Background(), testRecording(), "/tmp/r1.mp3")
	require.Error(t, err)
	require.Equal(t, fault.JobFailed, fault.KindOf(err))
	require.Equal(t, 1, svc.submits)
}

func TestTranscribe_RemoteCancelNotRetried(t *testing.T) {
	svc := &fakeASR{statuses: []string{asr.StatusCancelled}}
	w := newTestWorker(svc, nil)

	_, err := w.Transcribe(context.Background(), testRecording(), "/tmp/r1.mp3")
	require.Error(t, err)
	require.Equal(t, fault.Cancelled, fault.KindOf(err))
	require.Equal(t, 1, svc.submits)
}

func TestTranscribe_ValidationNotRetried(t *testing.T) {
	svc := &fakeASR{
		submitErrs: []error{fault.Newf(fault.Validation, "asr.submit", "unsupported codec")},
	}
	w := newTestWorker(svc, nil)

	_, err := w.Transcribe(context.Background(), testRecording(), "/tmp/r1.mp3")
	require.Error(t, err)
	require.Equal(t, fault.Validation, fault.KindOf(err))
	require.Equal(t, 1, svc.submits)
}

func TestTranscribe_TransientSubmitRetried(t *testing.T) {
	svc := &fakeASR{
		submitErrs: []error{fault.Newf(fault.Transient, "asr.submit", "503"), nil},
		statuses:   []string{asr.StatusSucceeded},
		output:     testOutput(t),
	}
	w := newTestWorker(svc, nil)

	art, err := w.Transcribe(context.Background(), testRecording(), "/tmp/r1.mp3")
	require.NoError(t, err)
	require.Equal(t, 2, svc.submits)
	require.Equal(t, "hello world", art.Text)
}

func TestTranscribe_RetryBudgetExhausted(t *testing.T) {
	boom := fault.Newf(fault.Transient, "asr.submit", "503")
	svc := &fakeASR{submitErrs: []error{boom, boom, boom}}
	w := newTestWorker(svc, nil)

	_, err := w.Transcribe(context.Background(), testRecording(), "/tmp/r1.mp3")
	require.Error(t, err)
	require.Equal(t, fault.Transient, fault.KindOf(err))
	require.Equal(t, 3, svc.submits)
}

func TestTranscribe_CancelledMidPoll(t *testing.T) {
	svc := &fakeASR{statuses: []string{asr.StatusRunning}}
	w := newTestWorker(svc, func(o *Options) {
		o.PollInterval = 50 * time.Millisecond
		o.MaxWait = 10 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.Transcribe(ctx, testRecording(), "/tmp/r1.mp3")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, fault.Cancelled, fault.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("Transcribe did not return after cancellation")
	}
	require.Contains(t, svc.cancelled(), "job-1", "shutdown must request remote cancel")
}

func TestTranscribe_EmptyResultIsValidationFailure(t *testing.T) {
	empty, err := json.Marshal(asr.Output{Language: "en-US"})
	require.NoError(t, err)
	svc := &fakeASR{statuses: []string{asr.StatusSucceeded}, output: empty}
	w := newTestWorker(svc, nil)

	_, err = w.Transcribe(context.Background(), testRecording(), "/tmp/r1.mp3")
	require.Error(t, err)
	require.Equal(t, fault.Validation, fault.KindOf(err))
	require.Equal(t, 1, svc.submits, "a success with no content is not retried")
}
