package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/portfolio"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/risk"
)

// SchemaVersion gates snapshot compatibility. Bump on any breaking change
// to the snapshot layout.
const SchemaVersion = 1

const backupTimeLayout = "20060102T150405Z"

// Snapshot is the persisted unit of truth: portfolio plus risk metrics,
// stamped and versioned.
type Snapshot struct {
	SchemaVersion int              `json:"schema_version"`
	SavedAt       time.Time        `json:"saved_at"`
	Portfolio     *portfolio.State `json:"portfolio"`
	Risk          *risk.State      `json:"risk"`
	// Derived metrics are persisted for inspection; authoritative values
	// are recomputed from the states on load.
	RollingWinRate float64 `json:"rolling_win_rate"`
	DrawdownPct    float64 `json:"current_drawdown_pct"`
}

// Config mirrors §store of the yaml configuration. The write interval
// lives with the engine, which owns the snapshot trigger.
type Config struct {
	SnapshotPath    string
	BackupDir       string
	BackupRetention time.Duration
}

// Store persists snapshots atomically and keeps a rolling window of
// timestamped backups. Writes are mutually exclusive so a timer-driven
// save cannot race a shutdown save.
type Store struct {
	cfg Config
	mu  sync.Mutex
	now func() time.Time
}

func New(cfg Config) *Store {
	return &Store{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Save writes the snapshot to the primary path via temp-file-and-rename,
// then copies it into the backup directory and prunes expired backups.
func (s *Store) Save(pf *portfolio.State, rs *risk.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	winRate, _ := rs.WinRate()
	snap := Snapshot{
		SchemaVersion:  SchemaVersion,
		SavedAt:        now,
		Portfolio:      pf,
		Risk:           rs,
		RollingWinRate: winRate,
		DrawdownPct:    rs.CurrentDrawdownPct,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := writeAtomic(s.cfg.SnapshotPath, data); err != nil {
		observ.IncCounter("snapshot_write_failures_total", nil)
		return err
	}

	if err := s.writeBackup(data, now); err != nil {
		// The primary write succeeded; a backup failure is reported but
		// does not fail the save.
		observ.Log("snapshot_backup_failed", map[string]any{"error": err.Error()})
	}
	s.pruneBackups(now)

	observ.IncCounter("snapshot_writes_total", nil)
	observ.SetGauge("snapshot_last_save_unix", float64(now.Unix()), nil)
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (s *Store) writeBackup(data []byte, now time.Time) error {
	if err := os.MkdirAll(s.cfg.BackupDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("snapshot-%s.json", now.Format(backupTimeLayout))
	return writeAtomic(filepath.Join(s.cfg.BackupDir, name), data)
}

func (s *Store) pruneBackups(now time.Time) {
	cutoff := now.Add(-s.cfg.BackupRetention)
	for _, b := range s.listBackups() {
		if b.savedAt.Before(cutoff) {
			if err := os.Remove(b.path); err != nil {
				observ.Log("snapshot_backup_prune_failed", map[string]any{"path": b.path, "error": err.Error()})
			}
		}
	}
}

type backupFile struct {
	path    string
	savedAt time.Time
}

// listBackups returns recognizable backup files, newest first.
func (s *Store) listBackups() []backupFile {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return nil
	}
	var out []backupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".json")
		t, err := time.Parse(backupTimeLayout, stamp)
		if err != nil {
			continue
		}
		out = append(out, backupFile{path: filepath.Join(s.cfg.BackupDir, name), savedAt: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].savedAt.After(out[j].savedAt) })
	return out
}

// LoadResult reports where the recovered state came from.
type LoadResult struct {
	Snapshot *Snapshot
	Source   string // "primary", backup path, or "fresh"
	Degraded bool   // prior state existed but could not be fully used
}

// Load recovers state on startup. The primary snapshot is tried first; on
// failure each backup is tried newest first. A first run with no prior
// state starts fresh at the given initial balance; when prior state exists
// but nothing validates, the same fresh state is returned and the degraded
// recovery is reported. Corruption never crashes startup.
func (s *Store) Load(initialBalance float64) (LoadResult, error) {
	degraded := false
	if snap, err := s.loadFile(s.cfg.SnapshotPath); err == nil {
		return LoadResult{Snapshot: snap, Source: "primary"}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		degraded = true
		observ.Log("snapshot_primary_unusable", map[string]any{
			"path": s.cfg.SnapshotPath, "error": err.Error(),
		})
	}

	for _, b := range s.listBackups() {
		snap, err := s.loadFile(b.path)
		if err != nil {
			degraded = true
			observ.Log("snapshot_backup_unusable", map[string]any{
				"path": b.path, "error": err.Error(),
			})
			continue
		}
		observ.IncCounter("snapshot_backup_recoveries_total", nil)
		return LoadResult{Snapshot: snap, Source: b.path, Degraded: true}, nil
	}

	if degraded {
		observ.IncCounter("snapshot_degraded_recoveries_total", nil)
		observ.Log("snapshot_recovery_degraded", map[string]any{
			"initial_balance": initialBalance,
		})
	} else {
		observ.Log("snapshot_first_run", map[string]any{
			"initial_balance": initialBalance,
		})
	}
	fresh := &Snapshot{
		SchemaVersion: SchemaVersion,
		SavedAt:       s.now(),
		Portfolio:     portfolio.NewState(initialBalance),
		Risk:          risk.NewState(initialBalance),
	}
	return LoadResult{Snapshot: fresh, Source: "fresh", Degraded: degraded}, nil
}

func (s *Store) loadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := validate(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// validate checks the schema version, the structural shape, and the money
// invariants of the embedded portfolio ledger.
func validate(snap *Snapshot) error {
	if snap.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", snap.SchemaVersion)
	}
	if snap.Portfolio == nil || snap.Risk == nil {
		return fmt.Errorf("snapshot missing portfolio or risk state")
	}
	if snap.Portfolio.Positions == nil {
		snap.Portfolio.Positions = make(map[string]*portfolio.Position)
	}
	if snap.Portfolio.InitialBalance <= 0 {
		return fmt.Errorf("snapshot has non-positive initial balance")
	}
	if err := snap.Portfolio.Reconcile(); err != nil {
		return err
	}
	return nil
}
