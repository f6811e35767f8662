// Package audit destroys staged audio files and keeps an append-only trail
// of every deletion. Recordings are never archived as audio; the transcript
// is the durable record, so removal must be verifiable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Deletion methods recorded in the audit log.
const (
	MethodUnlink    = "unlink"
	MethodOverwrite = "overwrite"
)

// Record is one audit entry, serialized as a single JSON line.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	RecordingID string    `json:"recording_id"`
	AudioFile   string    `json:"audio_file"`
	Bytes       int64     `json:"bytes"`
	SHA256      string    `json:"sha256"`
	Method      string    `json:"method"`
	Verified    bool      `json:"verified"`
}

const actionAudioDeletion = "AUDIO_DELETION"

// Auditor deletes audio files under the staging directory and appends a
// verification record per deletion. A single mutex serializes log writes so
// each line is one complete JSON object.
type Auditor struct {
	stageDir string
	logPath  string
	log      zerolog.Logger

	mu sync.Mutex
}

// New creates an auditor rooted at stageDir. Paths outside stageDir are
// refused by Delete.
func New(stageDir, logPath string, log zerolog.Logger) (*Auditor, error) {
	abs, err := filepath.Abs(stageDir)
	if err != nil {
		return nil, fmt.Errorf("resolve stage dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	return &Auditor{
		stageDir: abs,
		logPath:  logPath,
		log:      log.With().Str("component", "audit").Logger(),
	}, nil
}

// Delete destroys the audio file at path and returns the audit record.
// The record is appended to the audit log whether or not verification
// succeeded; an unverified deletion is also returned as an error so the
// caller leaves the recording's progress where it is.
func (a *Auditor) Delete(recordingID, path string) (*Record, error) {
	abs, err := a.contain(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat audio file: %w", err)
	}

	sum, err := hashFile(abs)
	if err != nil {
		return nil, fmt.Errorf("hash audio file: %w", err)
	}

	rec := &Record{
		Timestamp:   time.Now().UTC(),
		Action:      actionAudioDeletion,
		RecordingID: recordingID,
		AudioFile:   abs,
		Bytes:       info.Size(),
		SHA256:      sum,
	}

	// Single-pass zero-fill before unlink. Falls back to a plain unlink when
	// the overwrite can't be performed (read-only mounts, exotic filesystems).
	rec.Method = MethodOverwrite
	if err := zeroFill(abs, info.Size()); err != nil {
		a.log.Warn().Err(err).Str("path", abs).Msg("secure overwrite unavailable, falling back to unlink")
		rec.Method = MethodUnlink
	}

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		a.append(rec)
		return rec, fmt.Errorf("unlink audio file: %w", err)
	}

	// The path must no longer resolve.
	if _, err := os.Lstat(abs); err == nil {
		rec.Verified = false
		a.append(rec)
		return rec, fmt.Errorf("deletion not verified: %s still exists", abs)
	}
	rec.Verified = true

	if err := a.append(rec); err != nil {
		return rec, err
	}

	a.log.Info().
		Str("recording_id", recordingID).
		Str("path", abs).
		Int64("bytes", rec.Bytes).
		Str("method", rec.Method).
		Msg("audio deleted")
	return rec, nil
}

// contain resolves path and rejects anything outside the staging directory.
func (a *Auditor) contain(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, a.stageDir+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing to delete outside staging dir: %q", path)
	}
	return abs, nil
}

func (a *Auditor) append(rec *Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ReadLog parses the audit log, skipping blank lines and any line that is not
// valid JSON (such as a truncated final line).
func ReadLog(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Record
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Unparseable lines, e.g. a partially written final line, are skipped.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// zeroFill overwrites the file contents with zeros and syncs before the
// unlink, so the bytes aren't trivially recoverable from the block device.
func zeroFill(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	var written int64
	for written < size {
		n := int64(len(buf))
		if size-written < n {
			n = size - written
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		written += n
	}
	return f.Sync()
}
