package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/provider"
	"github.com/stretchr/testify/require"
)

type fakeCallLog struct {
	pages    [][]provider.Recording
	failures map[string]error // "page:attempt" → error
	calls    map[int]int      // page → attempts seen
}

func (f *fakeCallLog) CallLogPage(ctx context.Context, from, to time.Time, page, perPage int) ([]provider.Recording, bool, error) {
	if f.calls == nil {
		f.calls = map[int]int{}
	}
	f.calls[page]++
	if err, ok := f.failures[key(page, f.calls[page])]; ok {
		return nil, false, err
	}
	if page > len(f.pages) {
		return nil, false, nil
	}
	return f.pages[page-1], page < len(f.pages), nil
}

func key(page, attempt int) string {
	return string(rune('0'+page)) + ":" + string(rune('0'+attempt))
}

type fakeProgress struct {
	active map[string]bool
}

func (f *fakeProgress) HasActiveProgress(ctx context.Context, id string) (bool, error) {
	return f.active[id], nil
}

func rec(id string) provider.Recording {
	return provider.Recording{RecordingID: id, CallID: "c-" + id, ContentURI: "https://x/" + id}
}

func collect(t *testing.T, f *Fetcher, ctx context.Context) ([]provider.Recording, int, error) {
	t.Helper()
	out := make(chan provider.Recording, 100)
	n, err := f.Fetch(ctx, time.Now().Add(-24*time.Hour), time.Now(), out)
	close(out)
	var got []provider.Recording
	for r := range out {
		got = append(got, r)
	}
	return got, n, err
}

func TestFetch_Paging(t *testing.T) {
	callLog := &fakeCallLog{pages: [][]provider.Recording{
		{rec("r3"), rec("r2")},
		{rec("r1")},
	}}
	f := New(callLog, &fakeProgress{}, 100, zerolog.Nop())

	got, n, err := collect(t, f, context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, got, 3)
	// Newest-first order as the provider returns them.
	require.Equal(t, "r3", got[0].RecordingID)
	require.Equal(t, "r1", got[2].RecordingID)
}

func TestFetch_Dedup(t *testing.T) {
	callLog := &fakeCallLog{pages: [][]provider.Recording{{rec("r1"), rec("r2")}}}
	progress := &fakeProgress{active: map[string]bool{"r1": true}}
	f := New(callLog, progress, 100, zerolog.Nop())

	got, n, err := collect(t, f, context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, got, 1)
	require.Equal(t, "r2", got[0].RecordingID)
}

func TestFetch_AllDeduped(t *testing.T) {
	callLog := &fakeCallLog{pages: [][]provider.Recording{{rec("r1")}}}
	progress := &fakeProgress{active: map[string]bool{"r1": true}}
	f := New(callLog, progress, 100, zerolog.Nop())

	got, n, err := collect(t, f, context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, got)
}

func TestFetch_TransientRetry(t *testing.T) {
	callLog := &fakeCallLog{
		pages: [][]provider.Recording{{rec("r1")}},
		failures: map[string]error{
			key(1, 1): fault.Newf(fault.Transient, "test", "flaky"),
			key(1, 2): fault.Newf(fault.Transient, "test", "flaky"),
		},
	}
	f := New(callLog, &fakeProgress{}, 100, zerolog.Nop())

	got, n, err := collect(t, f, context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, got, 1)
	require.Equal(t, 3, callLog.calls[1], "two failures + one success")
}

func TestFetch_TransientExhausted(t *testing.T) {
	flaky := fault.Newf(fault.Transient, "test", "down")
	callLog := &fakeCallLog{
		pages: [][]provider.Recording{{rec("r1")}},
		failures: map[string]error{
			key(1, 1): flaky, key(1, 2): flaky, key(1, 3): flaky,
		},
	}
	f := New(callLog, &fakeProgress{}, 100, zerolog.Nop())

	_, _, err := collect(t, f, context.Background())
	require.Error(t, err)
	require.Equal(t, fault.Transient, fault.KindOf(err))
	require.Equal(t, 3, callLog.calls[1])
}

func TestFetch_AuthAborts(t *testing.T) {
	callLog := &fakeCallLog{
		pages:    [][]provider.Recording{{rec("r1")}},
		failures: map[string]error{key(1, 1): fault.Newf(fault.Auth, "test", "bad creds")},
	}
	f := New(callLog, &fakeProgress{}, 100, zerolog.Nop())

	_, _, err := collect(t, f, context.Background())
	require.Error(t, err)
	require.Equal(t, fault.Auth, fault.KindOf(err))
	require.Equal(t, 1, callLog.calls[1], "auth errors are not retried by the fetcher")
}

func TestFetch_Cancelled(t *testing.T) {
	callLog := &fakeCallLog{pages: [][]provider.Recording{{rec("r1"), rec("r2")}}}
	f := New(callLog, &fakeProgress{}, 100, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan provider.Recording) // unbuffered, nobody reading
	_, err := f.Fetch(ctx, time.Now().Add(-time.Hour), time.Now(), out)
	require.Error(t, err)
	require.Equal(t, fault.Cancelled, fault.KindOf(err))
}
