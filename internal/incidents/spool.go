package incidents

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/technosupport/ts-utm/internal/data"
)

const spoolFile = "incident_spool.log"

// spoolRecord wraps one snapshot as a JSONL line.
type spoolRecord struct {
	IncidentID string        `json:"incident_id"`
	Status     string        `json:"status"`
	Payload    data.Incident `json:"payload"`
	SpooledAt  time.Time     `json:"spooled_at"`
}

// Spool is a local JSONL file that holds incident snapshots the database
// rejected. The upsert ignores snapshots older than the stored row, so a late
// replay cannot roll an incident back.
type Spool struct {
	dir      string
	maxBytes int64

	mu sync.Mutex
}

func NewSpool(dir string, maxMB int64) (*Spool, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	if maxMB <= 0 {
		maxMB = 256
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir, maxBytes: maxMB * 1024 * 1024}, nil
}

func (s *Spool) Append(inc data.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := filepath.Join(s.dir, spoolFile)
	if info, err := os.Stat(filename); err == nil && info.Size() >= s.maxBytes {
		return fmt.Errorf("spool full (%d bytes)", info.Size())
	}

	line, err := json.Marshal(spoolRecord{
		IncidentID: inc.ID.String(),
		Status:     string(inc.Status),
		Payload:    inc,
		SpooledAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// Replay moves the current spool aside and feeds every record to write.
// Records that fail again are appended back to a fresh spool file.
func (s *Spool) Replay(ctx context.Context, write func(context.Context, data.Incident) error) (int, error) {
	s.mu.Lock()
	filename := filepath.Join(s.dir, spoolFile)
	info, err := os.Stat(filename)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		s.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	replayFile := filepath.Join(s.dir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	err = os.Rename(filename, replayFile)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("rotate spool for replay: %w", err)
	}

	f, err := os.Open(replayFile)
	if err != nil {
		return 0, err
	}
	defer os.Remove(replayFile)
	defer f.Close()

	flushed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec spoolRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if ctx.Err() != nil {
			if err := s.Append(rec.Payload); err != nil {
				return flushed, err
			}
			continue
		}
		if err := write(ctx, rec.Payload); err != nil {
			if err := s.Append(rec.Payload); err != nil {
				return flushed, err
			}
			continue
		}
		flushed++
	}
	return flushed, scanner.Err()
}
