package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/portfolio"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/risk"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(Config{
		SnapshotPath:    filepath.Join(dir, "portfolio.json"),
		BackupDir:       filepath.Join(dir, "backups"),
		BackupRetention: 24 * time.Hour,
	})
}

func seededState(t *testing.T) (*portfolio.State, *risk.State) {
	t.Helper()
	pf := portfolio.NewState(10000)
	_, err := pf.ApplyFill(portfolio.Fill{
		ID: "t1", Symbol: "BTCUSDT", Side: portfolio.Buy,
		Price: 43180, Size: 0.023, Commission: 0.4, SlippageCost: 0.1,
		Timestamp: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	rs := risk.NewState(10000)
	return pf, rs
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := testStore(t)
	pf, rs := seededState(t)
	require.NoError(t, st.Save(pf, rs))

	got, err := st.Load(10000)
	require.NoError(t, err)
	assert.Equal(t, "primary", got.Source)
	assert.False(t, got.Degraded)

	assert.Equal(t, pf.WalletBalance, got.Snapshot.Portfolio.WalletBalance)
	assert.Equal(t, pf.TotalPnL, got.Snapshot.Portfolio.TotalPnL)
	assert.Equal(t, len(pf.Ledger), len(got.Snapshot.Portfolio.Ledger))
	require.Contains(t, got.Snapshot.Portfolio.Positions, "BTCUSDT")
	assert.Equal(t, pf.Positions["BTCUSDT"].EntryPrice, got.Snapshot.Portfolio.Positions["BTCUSDT"].EntryPrice)
	assert.Equal(t, rs.HighWaterMark, got.Snapshot.Risk.HighWaterMark)
}

func TestLoadRecoversFromBackupWhenPrimaryCorrupt(t *testing.T) {
	st := testStore(t)
	pf, rs := seededState(t)
	require.NoError(t, st.Save(pf, rs))

	// Truncated primary must cascade to the newest backup, not crash.
	require.NoError(t, os.WriteFile(st.cfg.SnapshotPath, []byte("{not json"), 0o644))

	got, err := st.Load(10000)
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.NotEqual(t, "primary", got.Source)
	assert.NotEqual(t, "fresh", got.Source)
	assert.Equal(t, pf.WalletBalance, got.Snapshot.Portfolio.WalletBalance)
}

func TestLoadRejectsUnreconcilableSnapshot(t *testing.T) {
	st := testStore(t)
	pf, rs := seededState(t)
	require.NoError(t, st.Save(pf, rs))

	// Tamper with the books, rewrite the primary, and wipe the backups:
	// only the fresh-state fallback remains.
	pf.TotalPnL += 123
	require.Error(t, pf.Reconcile())
	require.NoError(t, st.Save(pf, rs))
	require.NoError(t, os.RemoveAll(st.cfg.BackupDir))

	got, err := st.Load(10000)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Source)
	assert.True(t, got.Degraded)
	assert.Equal(t, 10000.0, got.Snapshot.Portfolio.WalletBalance)
}

func TestLoadFreshWhenNothingExists(t *testing.T) {
	st := testStore(t)
	got, err := st.Load(5000)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Source)
	assert.False(t, got.Degraded, "a first run with no prior state is not degraded")
	assert.Equal(t, 5000.0, got.Snapshot.Portfolio.InitialBalance)
	assert.Equal(t, 5000.0, got.Snapshot.Risk.HighWaterMark)
}

func TestBackupRetention(t *testing.T) {
	st := testStore(t)
	pf, rs := seededState(t)

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return base.Add(-25 * time.Hour) }
	require.NoError(t, st.Save(pf, rs))
	old := filepath.Join(st.cfg.BackupDir, "snapshot-"+base.Add(-25*time.Hour).Format(backupTimeLayout)+".json")
	if _, err := os.Stat(old); err != nil {
		t.Fatalf("expected old backup on disk: %v", err)
	}

	st.now = func() time.Time { return base }
	require.NoError(t, st.Save(pf, rs))

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("backup older than the retention window should be pruned")
	}
	fresh := filepath.Join(st.cfg.BackupDir, "snapshot-"+base.Format(backupTimeLayout)+".json")
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh backup on disk: %v", err)
	}
}

func TestValidateRejectsSchemaMismatch(t *testing.T) {
	pf, _ := seededState(t)
	snap := &Snapshot{SchemaVersion: 99, Portfolio: pf, Risk: risk.NewState(10000)}
	assert.Error(t, validate(snap))
}
