package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/kolam/internal/observability"
	"github.com/harun/kolam/internal/tracing"
)

// TranscriptInfo is metadata about one transcript file.
type TranscriptInfo struct {
	Key        string    `json:"sessionKey"`
	SizeBytes  int64     `json:"sizeBytes"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Lines      int       `json:"lines"`
}

// TranscriptLog stores per-session wire message logs in JSONL format.
type TranscriptLog struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// NewTranscriptLog creates a transcript log rooted at dir. An empty dir
// defaults to ~/.kolam/transcripts.
func NewTranscriptLog(dir string) (*TranscriptLog, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".kolam", "transcripts")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	l := &TranscriptLog{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Transcript log initialized")
	l.updateActiveTranscriptsMetric()

	return l, nil
}

// validateKey rejects keys that could escape the transcript directory.
func (l *TranscriptLog) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

// Path returns the transcript file path for a session key.
func (l *TranscriptLog) Path(key string) string {
	return filepath.Join(l.dir, key+".jsonl")
}

func (l *TranscriptLog) updateActiveTranscriptsMetric() {
	keys, err := l.List()
	if err != nil {
		return
	}
	observability.SetActiveTranscripts(len(keys))
}

func (l *TranscriptLog) getWriteLock(key string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()

	if lock, exists := l.writeLocks[key]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	l.writeLocks[key] = lock
	return lock
}

func (l *TranscriptLog) releaseWriteLock(key string) {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	delete(l.writeLocks, key)
}

// Append writes one enriched wire message line to the session's transcript,
// creating the file on first use.
func (l *TranscriptLog) Append(ctx context.Context, key string, line []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"kolam.session",
		"transcript.append",
		attribute.String("session_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", key).Logger()
	start := time.Now()
	defer func() {
		observability.RecordTranscriptAppend(time.Since(start))
	}()

	if err := l.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(line) == 0 {
		return fmt.Errorf("transcript line cannot be empty")
	}

	lock := l.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := l.Path(key)
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write transcript line: %w", err)
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync transcript file: %w", err)
	}

	if created {
		l.updateActiveTranscriptsMetric()
		logger.Info().Msg("Transcript created")
	}
	logger.Debug().Int("bytes", len(line)).Msg("Transcript line appended")

	return nil
}

// Load reads a session's transcript. Corrupt lines are skipped so one bad
// write never hides the rest of the conversation. A missing transcript
// loads as empty.
func (l *TranscriptLog) Load(ctx context.Context, key string) ([]json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"kolam.session",
		"transcript.load",
		attribute.String("session_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", key).Logger()
	start := time.Now()
	defer func() {
		observability.RecordTranscriptLoad(time.Since(start))
	}()

	if err := l.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	path := l.Path(key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug().Msg("Transcript does not exist")
		return []json.RawMessage{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if line == "" {
			continue
		}

		if !gjson.Valid(line) {
			logger.Warn().Int("line", lineNum).Msg("Failed to parse line, skipping")
			continue
		}

		lines = append(lines, json.RawMessage(line))
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}

	logger.Debug().Int("lines", len(lines)).Msg("Transcript loaded")

	return lines, nil
}

// Delete removes a session's transcript file.
func (l *TranscriptLog) Delete(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"kolam.session",
		"transcript.delete",
		attribute.String("session_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", key).Logger()

	if err := l.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := l.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(l.Path(key)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete transcript file: %w", err)
	}

	l.releaseWriteLock(key)
	l.updateActiveTranscriptsMetric()

	logger.Info().Msg("Transcript deleted")

	return nil
}

// List returns the session keys that have a transcript on disk.
func (l *TranscriptLog) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
	}

	return keys, nil
}

// Repair rewrites a transcript keeping only its parseable lines.
func (l *TranscriptLog) Repair(ctx context.Context, key string) error {
	lines, err := l.Load(ctx, key)
	if err != nil {
		return err
	}

	lock := l.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := l.Path(key)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, line := range lines {
		if _, err := file.Write(append([]byte(line), '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write line: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace transcript file: %w", err)
	}

	log.Info().
		Str("session_key", key).
		Int("lines", len(lines)).
		Msg("Transcript repaired")

	return nil
}

// Info returns metadata about a session's transcript.
func (l *TranscriptLog) Info(ctx context.Context, key string) (TranscriptInfo, error) {
	if err := l.validateKey(key); err != nil {
		return TranscriptInfo{}, err
	}

	stat, err := os.Stat(l.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return TranscriptInfo{}, fmt.Errorf("transcript does not exist")
		}
		return TranscriptInfo{}, fmt.Errorf("failed to stat transcript file: %w", err)
	}

	lines, err := l.Load(ctx, key)
	if err != nil {
		return TranscriptInfo{}, err
	}

	return TranscriptInfo{
		Key:        key,
		SizeBytes:  stat.Size(),
		ModifiedAt: stat.ModTime(),
		Lines:      len(lines),
	}, nil
}

// PruneBefore deletes transcripts whose last write predates cutoff and
// returns how many were removed.
func (l *TranscriptLog) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := l.List()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		stat, err := os.Stat(l.Path(key))
		if err != nil {
			continue
		}
		if !stat.ModTime().Before(cutoff) {
			continue
		}

		if err := l.Delete(ctx, key); err != nil {
			log.Warn().Str("session_key", key).Err(err).Msg("Failed to prune transcript")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Pruned old transcripts")
	}

	return deleted, nil
}
