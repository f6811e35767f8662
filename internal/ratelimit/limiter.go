// Package ratelimit admits outbound API requests under per-endpoint
// sliding-window budgets and adapts to 429 responses.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Budget groups. Every endpoint maps to one group; the group fixes the
// request limit over a 60-second window and the cooldown after a 429.
const (
	GroupAuth   = "auth"
	GroupHeavy  = "heavy"
	GroupMedium = "medium"
	GroupLight  = "light"
)

const window = 60 * time.Second

// jitter added on top of a computed window wait so concurrent waiters don't
// stampede the instant the oldest timestamp expires.
const jitter = 100 * time.Millisecond

var groupLimits = map[string]int{
	GroupAuth:   5,
	GroupHeavy:  10,
	GroupMedium: 40,
	GroupLight:  50,
}

var groupPenalties = map[string]time.Duration{
	GroupAuth:   60 * time.Second,
	GroupHeavy:  60 * time.Second,
	GroupMedium: 60 * time.Second,
	GroupLight:  60 * time.Second,
}

// endpointGroups maps endpoint path fragments to budget groups. Checked in
// order: exact match first, then substring.
var endpointGroups = map[string]string{
	"/oauth/token":  GroupAuth,
	"/oauth/revoke": GroupAuth,
	"/call-log":     GroupMedium,
	"/content":      GroupHeavy,
	"/recording/":   GroupHeavy,
	"/jobs":         GroupMedium,
	"/files":        GroupLight,
	"/metadata":     GroupLight,
}

type endpointState struct {
	mu           sync.Mutex
	group        string
	history      []time.Time
	penaltyUntil time.Time

	// Adaptive limit state. Zero effectiveLimit means "use the group limit".
	effectiveLimit int
	successes      int
	penaltyHits    int
}

// Limiter enforces per-endpoint sliding-window budgets. It never fails; Wait
// only sleeps, and a cancelled context interrupts the sleep.
type Limiter struct {
	mu           sync.Mutex
	endpoints    map[string]*endpointState
	defaultGroup string
	log          zerolog.Logger

	// Overridable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// EndpointStats is a point-in-time view of one endpoint's budget usage.
type EndpointStats struct {
	Group          string  `json:"group"`
	Limit          int     `json:"limit"`
	RequestsLastMin int    `json:"requests_last_minute"`
	Utilization    float64 `json:"utilization_pct"`
	InPenalty      bool    `json:"in_penalty"`
}

// New creates a limiter with the medium group as the default for unmapped
// endpoints.
func New(log zerolog.Logger) *Limiter {
	return &Limiter{
		endpoints:    make(map[string]*endpointState),
		defaultGroup: GroupMedium,
		log:          log.With().Str("component", "ratelimit").Logger(),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GroupFor resolves the budget group for an endpoint path.
func (l *Limiter) GroupFor(endpoint string) string {
	if g, ok := endpointGroups[endpoint]; ok {
		return g
	}
	for pattern, g := range endpointGroups {
		if strings.Contains(endpoint, pattern) {
			return g
		}
	}
	return l.defaultGroup
}

func (l *Limiter) state(endpoint string) *endpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.endpoints[endpoint]
	if !ok {
		st = &endpointState{group: l.GroupFor(endpoint)}
		l.endpoints[endpoint] = st
	}
	return st
}

func (st *endpointState) limit() int {
	if st.effectiveLimit > 0 {
		return st.effectiveLimit
	}
	return groupLimits[st.group]
}

// Wait blocks until one request to endpoint may proceed under its budget.
// It returns the total time spent waiting. The only error is the context's.
func (l *Limiter) Wait(ctx context.Context, endpoint string) (time.Duration, error) {
	st := l.state(endpoint)
	var waited time.Duration

	for {
		st.mu.Lock()
		now := l.now()

		// Penalty period from a prior 429 blocks everything on this endpoint.
		if until := st.penaltyUntil; now.Before(until) {
			d := until.Sub(now)
			st.mu.Unlock()
			l.log.Info().Str("endpoint", endpoint).Dur("wait", d).Msg("endpoint in penalty, waiting")
			if err := l.sleep(ctx, d); err != nil {
				return waited, err
			}
			waited += d
			continue
		}

		// Drop timestamps that fell out of the window.
		cutoff := now.Add(-window)
		i := 0
		for i < len(st.history) && st.history[i].Before(cutoff) {
			i++
		}
		st.history = st.history[i:]

		if len(st.history) < st.limit() {
			st.history = append(st.history, now)
			st.mu.Unlock()
			return waited, nil
		}

		// Sleep until the oldest request falls out of the window.
		d := st.history[0].Add(window).Sub(now) + jitter
		st.mu.Unlock()
		l.log.Debug().Str("endpoint", endpoint).Str("group", st.group).Dur("wait", d).Msg("rate limit window full, waiting")
		if err := l.sleep(ctx, d); err != nil {
			return waited, err
		}
		waited += d
	}
}

// RecordResponse updates limiter state from an API response. A 429 puts the
// endpoint into a penalty period derived from Retry-After (or the group's
// fixed penalty) and feeds the adaptive limit; any other status counts as a
// success.
func (l *Limiter) RecordResponse(endpoint string, status int, header http.Header) {
	st := l.state(endpoint)
	st.mu.Lock()
	defer st.mu.Unlock()

	if status != http.StatusTooManyRequests {
		st.successes++
		// After 100 consecutive successes, raise the effective limit by one,
		// bounded by the light group.
		if st.successes%100 == 0 {
			next := st.limit() + 1
			if next > groupLimits[GroupLight] {
				next = groupLimits[GroupLight]
			}
			if next != st.limit() {
				st.effectiveLimit = next
				l.log.Info().Str("endpoint", endpoint).Int("limit", next).Msg("adaptive limit raised")
			}
		}
		return
	}

	penalty := groupPenalties[st.group]
	if ra := retryAfter(header, l.now()); ra > 0 {
		penalty = ra
	}
	st.penaltyUntil = l.now().Add(penalty)
	st.successes = 0
	st.penaltyHits++

	// Every third penalty lowers the effective limit by two, floored at the
	// auth group.
	if st.penaltyHits%3 == 0 {
		next := st.limit() - 2
		if next < groupLimits[GroupAuth] {
			next = groupLimits[GroupAuth]
		}
		st.effectiveLimit = next
		l.log.Warn().Str("endpoint", endpoint).Int("limit", next).Msg("adaptive limit lowered")
	}

	l.log.Warn().
		Str("endpoint", endpoint).
		Dur("penalty", penalty).
		Msg("rate limit hit, endpoint in penalty")
}

// retryAfter parses a Retry-After header as either delta-seconds or an
// HTTP-date. Returns 0 when absent or unparseable.
func retryAfter(header http.Header, now time.Time) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Stats returns a snapshot of budget usage per endpoint.
func (l *Limiter) Stats() map[string]EndpointStats {
	l.mu.Lock()
	endpoints := make(map[string]*endpointState, len(l.endpoints))
	for k, v := range l.endpoints {
		endpoints[k] = v
	}
	l.mu.Unlock()

	now := l.now()
	out := make(map[string]EndpointStats, len(endpoints))
	for name, st := range endpoints {
		st.mu.Lock()
		cutoff := now.Add(-window)
		active := 0
		for _, ts := range st.history {
			if !ts.Before(cutoff) {
				active++
			}
		}
		limit := st.limit()
		s := EndpointStats{
			Group:          st.group,
			Limit:          limit,
			RequestsLastMin: active,
			InPenalty:      now.Before(st.penaltyUntil),
		}
		if limit > 0 {
			s.Utilization = float64(active) / float64(limit) * 100
		}
		st.mu.Unlock()
		out[name] = s
	}
	return out
}
