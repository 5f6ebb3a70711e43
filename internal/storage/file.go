package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "reminderd/pkg/logx"
)

// fileStore keeps the journal in <prefix>.deliveries.jsonl.
// Reads scan the file; prune rewrites it through a temp file and rename.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jpath := filepath.Join(dir, base) + ".deliveries.jsonl"
	f, err := os.OpenFile(jpath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("journal opened", logx.String("path", jpath))
	return &fileStore{log: log, path: jpath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("delivery journal closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) ListDeliveries(ctx context.Context, eventID string) ([]DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeliveryRecord
	err := s.scanLocked(ctx, func(r DeliveryRecord) {
		if r.EventID == eventID {
			out = append(out, r)
		}
	})
	return out, err
}

func (s *fileStore) PruneDeliveries(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("delivery journal closed")
	}

	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tf)
	pruned := 0
	var werr error
	err = s.scanLocked(ctx, func(r DeliveryRecord) {
		if r.At.Before(before) {
			pruned++
			return
		}
		if werr == nil {
			werr = enc.Encode(r)
		}
	})
	if err == nil {
		err = werr
	}
	if cerr := tf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if pruned == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	// Swap files; the append handle must follow the rename.
	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return pruned, err
	}
	s.f = f
	return pruned, nil
}

// scanLocked decodes every record. Malformed lines (for example a torn final
// write) are skipped.
func (s *fileStore) scanLocked(ctx context.Context, fn func(DeliveryRecord)) error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			var r DeliveryRecord
			if json.Unmarshal(line, &r) == nil && r.NotificationID != "" {
				fn(r)
			} else {
				s.log.Debug("skipping malformed journal line")
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
