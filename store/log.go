package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	publishedLogName = "written.log"
	spoolName        = "spool.jsonl"
)

// Journal makes a ParquetSink batch survive a crash. Every game is spooled
// as a JSON line before it joins the open batch; once the batch files are
// renamed into place their IDs are appended to written.log and the spool is
// emptied. Reopening a directory recovers spooled games that never reached
// written.log.
type Journal struct {
	mu        sync.Mutex
	published map[string]struct{}
	log       *os.File
	spool     *os.File
}

// OpenJournal opens the journal in dir and returns the games that were
// spooled but not published, in spool order and without duplicates. Torn
// trailing lines from a crash are skipped.
func OpenJournal(dir string) (*Journal, []*GameRecord, error) {
	if dir == "" {
		return nil, nil, errors.New("journal dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create journal dir: %w", err)
	}

	published, err := readPublished(filepath.Join(dir, publishedLogName))
	if err != nil {
		return nil, nil, err
	}
	recovered, err := readSpool(filepath.Join(dir, spoolName), published)
	if err != nil {
		return nil, nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(dir, publishedLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open published log: %w", err)
	}
	spool, err := os.OpenFile(filepath.Join(dir, spoolName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logFile.Close()
		return nil, nil, fmt.Errorf("open spool: %w", err)
	}
	return &Journal{published: published, log: logFile, spool: spool}, recovered, nil
}

func readPublished(path string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open published log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, scanner.Err()
}

func readSpool(path string, published map[string]struct{}) ([]*GameRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	var recs []*GameRecord
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		var rec GameRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.ID == "" {
			continue
		}
		if _, ok := published[rec.ID]; ok {
			continue
		}
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		recs = append(recs, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	return recs, nil
}

// Spool durably records a game that is about to join the open batch.
func (j *Journal) Spool(rec *GameRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode game %s: %w", rec.ID, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.spool == nil {
		return errors.New("journal is closed")
	}
	if _, err := j.spool.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append spool: %w", err)
	}
	return j.spool.Sync()
}

// Commit marks ids as published and empties the spool. The IDs are synced
// before the spool is cut, so a crash in between only replays games that
// the next open then skips.
func (j *Journal) Commit(ids []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.log == nil {
		return errors.New("journal is closed")
	}

	var sb strings.Builder
	for _, id := range ids {
		if _, ok := j.published[id]; ok || id == "" {
			continue
		}
		sb.WriteString(id)
		sb.WriteByte('\n')
		j.published[id] = struct{}{}
	}
	if sb.Len() > 0 {
		if _, err := j.log.WriteString(sb.String()); err != nil {
			return fmt.Errorf("append published log: %w", err)
		}
		if err := j.log.Sync(); err != nil {
			return fmt.Errorf("sync published log: %w", err)
		}
	}
	if err := j.spool.Truncate(0); err != nil {
		return fmt.Errorf("truncate spool: %w", err)
	}
	return nil
}

func (j *Journal) Published(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.published[id]
	return ok
}

// Count is the number of published games.
func (j *Journal) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.published)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.log == nil {
		return nil
	}
	err := errors.Join(j.log.Close(), j.spool.Close())
	j.log, j.spool = nil, nil
	return err
}
