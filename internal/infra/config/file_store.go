package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
)

// TradingDayRecord is the persisted trading day snapshot.
type TradingDayRecord struct {
	TradingDay string    `json:"trading_day"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileStore reads instrument configuration from JSON files and persists capture state next to
// them. Missing rule files read as empty lists; a missing universe or connection file is an error.
type FileStore struct {
	paths PathsConfig
	clock func() time.Time

	mu sync.Mutex
}

// NewFileStore constructs a store over the configured paths.
func NewFileStore(paths PathsConfig) *FileStore {
	paths.applyDefaults()
	s := new(FileStore)
	s.paths = paths
	s.clock = time.Now
	return s
}

// Paths returns the resolved artifact locations.
func (s *FileStore) Paths() PathsConfig {
	return s.paths
}

// LoadUniverse reads the instrument universe.
func (s *FileStore) LoadUniverse(ctx context.Context) ([]schema.InstrumentRecord, error) {
	var records []schema.InstrumentRecord
	if err := s.read(ctx, s.paths.Universe, &records, false); err != nil {
		return nil, err
	}
	return records, nil
}

// LoadRules reads the include or exclude rule list.
func (s *FileStore) LoadRules(ctx context.Context, kind schema.RuleKind) ([]schema.RuleSpec, error) {
	var name string
	switch kind {
	case schema.RuleInclude:
		name = s.paths.Include
	case schema.RuleExclude:
		name = s.paths.Exclude
	default:
		return nil, errs.New("config/store", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown rule kind %q", kind)))
	}
	var rules []schema.RuleSpec
	if err := s.read(ctx, name, &rules, true); err != nil {
		return nil, err
	}
	return rules, nil
}

// LoadConnectionConfig reads the connection entries.
func (s *FileStore) LoadConnectionConfig(ctx context.Context) ([]schema.ConnectionConfigEntry, error) {
	var entries []schema.ConnectionConfigEntry
	if err := s.read(ctx, s.paths.Connections, &entries, false); err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveActiveSet replaces the persisted active set.
func (s *FileStore) SaveActiveSet(ctx context.Context, records []schema.InstrumentRecord) error {
	if records == nil {
		records = []schema.InstrumentRecord{}
	}
	return s.write(ctx, s.paths.Active, records)
}

// LoadActiveSet reads the last persisted active set; a missing file reads as empty.
func (s *FileStore) LoadActiveSet(ctx context.Context) ([]schema.InstrumentRecord, error) {
	var records []schema.InstrumentRecord
	if err := s.read(ctx, s.paths.Active, &records, true); err != nil {
		return nil, err
	}
	return records, nil
}

// SaveTradingDay persists the trading day reported by the vendor.
func (s *FileStore) SaveTradingDay(ctx context.Context, day string) error {
	return s.write(ctx, s.paths.TradingDay, TradingDayRecord{TradingDay: day, UpdatedAt: s.clock().UTC()})
}

// LoadTradingDay returns the persisted trading day, or an empty record when none was saved.
func (s *FileStore) LoadTradingDay(ctx context.Context) (TradingDayRecord, error) {
	var record TradingDayRecord
	if err := s.read(ctx, s.paths.TradingDay, &record, true); err != nil {
		return TradingDayRecord{}, err
	}
	return record, nil
}

func (s *FileStore) read(ctx context.Context, name string, target any, optional bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	path := s.paths.Resolve(name)
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errs.New("config/store", errs.CodeConfigInvalid,
			errs.WithMessage("read artifact"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errs.New("config/store", errs.CodeConfigInvalid,
			errs.WithMessage("decode artifact"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return nil
}

// write replaces the file atomically via a temp file in the same directory.
func (s *FileStore) write(ctx context.Context, name string, value any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := s.paths.Resolve(name)
	dir := filepath.Dir(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(append(data, '\n')); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("persist %q: %w", path, err)
	}
	return nil
}
