package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msx-grid-bot-go/internal/models"
)

func newTestRepo(t *testing.T) (*FileRepository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	require.NoError(t, err)
	return repo, dir
}

func testState(positionID string, savedAt int64) *models.InstanceState {
	return &models.InstanceState{
		PositionID: positionID,
		Config: models.GridConfig{
			Symbol:           "ETHUSDT",
			MinPrice:         3000,
			MaxPrice:         3700,
			Direction:        models.Long,
			GridSpacing:      0.005,
			InvestmentAmount: 10000,
			Leverage:         10,
			AssetType:        models.AssetCrypto,
			MarketType:       models.MarketContract,
		},
		BuyOrder: &models.OrderInfo{
			OrderID: "B1", Side: models.Buy, Price: 3482.5, Volume: 28.5,
			Status: models.OrderOpen,
		},
		Position: models.Position{
			PositionID: positionID, Side: models.Long, Volume: 28.5, EntryPrice: 3500,
		},
		Status:         models.StatusRunning,
		LastFilledTime: 1234,
		SavedAt:        savedAt,
	}
}

func testFill(orderID, posID string, ts int64) *models.RawFill {
	return &models.RawFill{
		OrderID:   orderID,
		Symbol:    "ETHUSDT",
		Side:      models.Buy,
		OpenType:  "open",
		Price:     3482.5,
		Volume:    28.5,
		Pnl:       1.25,
		Fee:       0.7,
		Timestamp: ts,
		Status:    "filled",
		PosID:     posID,
		AvgPrice:  3482.5,
	}
}

// TestSnapshotRoundTrip verifies that a saved snapshot is reloaded with all
// fields intact and that no temp files are left behind.
func TestSnapshotRoundTrip(t *testing.T) {
	repo, dir := newTestRepo(t)

	state := testState("local-9", 456)
	require.NoError(t, repo.SaveSnapshot(state))

	tmps, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmps, "atomic write must not leave temp files")

	loaded, err := repo.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, state, got.State)
	assert.Empty(t, got.History, "no ledger yet")
	assert.Empty(t, got.StalePositionIDs)
}

// TestSaveSnapshotRequiresPositionID verifies the guard against writing a
// snapshot that could never be loaded again.
func TestSaveSnapshotRequiresPositionID(t *testing.T) {
	repo, _ := newTestRepo(t)

	state := testState("", 1)
	state.PositionID = ""
	err := repo.SaveSnapshot(state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position id")
}

// TestAppendFillWritesHeaderOnce verifies the ledger header appears exactly
// once, on first write, with the fixed column order.
func TestAppendFillWritesHeaderOnce(t *testing.T) {
	repo, dir := newTestRepo(t)

	require.NoError(t, repo.AppendFill("local-1", testFill("A1", "local-1", 10)))
	require.NoError(t, repo.AppendFill("local-1", testFill("A2", "local-1", 20)))

	data, err := os.ReadFile(filepath.Join(dir, "local-1_orders.csv"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3, "header plus two rows")
	assert.Equal(t, strings.Join(ledgerHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "A1,ETHUSDT,buy,open,3482.5,28.5,"))
	assert.True(t, strings.HasPrefix(lines[2], "A2,"))
}

// TestLoadAllPrefersNewestSnapshot verifies conflict resolution when several
// snapshots claim the same symbol: the greatest saved_at wins, the loser is
// reported stale, and the histories of both are merged.
func TestLoadAllPrefersNewestSnapshot(t *testing.T) {
	repo, _ := newTestRepo(t)

	older := testState("local-2", 100)
	newer := testState("local-5", 200)
	require.NoError(t, repo.SaveSnapshot(older))
	require.NoError(t, repo.SaveSnapshot(newer))

	require.NoError(t, repo.AppendFill("local-2", testFill("A1", "local-2", 10)))
	require.NoError(t, repo.AppendFill("local-5", testFill("B1", "local-5", 20)))

	loaded, err := repo.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1, "one instance per symbol")

	got := loaded[0]
	assert.Equal(t, "local-5", got.State.PositionID)
	assert.Equal(t, []string{"local-2"}, got.StalePositionIDs)

	require.Len(t, got.History, 2, "ledgers of current and stale ids merged")
	assert.Equal(t, "A1", got.History[0].OrderID, "history sorted by fill time")
	assert.Equal(t, "B1", got.History[1].OrderID)
}

// TestLoadAllMergedHistoryDedups verifies that an order id present in both
// the current and a stale ledger is loaded once.
func TestLoadAllMergedHistoryDedups(t *testing.T) {
	repo, _ := newTestRepo(t)

	require.NoError(t, repo.SaveSnapshot(testState("local-2", 100)))
	require.NoError(t, repo.SaveSnapshot(testState("local-5", 200)))

	// X1 was written to the old ledger, then again to the new one after an
	// interrupted adoption.
	require.NoError(t, repo.AppendFill("local-2", testFill("X1", "local-2", 10)))
	require.NoError(t, repo.AppendFill("local-2", testFill("A2", "local-2", 30)))
	require.NoError(t, repo.AppendFill("local-5", testFill("X1", "local-5", 10)))
	require.NoError(t, repo.AppendFill("local-5", testFill("B2", "local-5", 5)))

	loaded, err := repo.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	history := loaded[0].History
	require.Len(t, history, 3, "X1 counted once")
	assert.Equal(t, "B2", history[0].OrderID)
	assert.Equal(t, "X1", history[1].OrderID)
	assert.Equal(t, "A2", history[2].OrderID)
}

// TestLoadAllSkipsCorruptFiles verifies that a corrupt snapshot or a foreign
// file cannot take recovery down with it.
func TestLoadAllSkipsCorruptFiles(t *testing.T) {
	repo, dir := newTestRepo(t)

	require.NoError(t, repo.SaveSnapshot(testState("local-1", 100)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("not json{{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "meta"), 0o755))

	loaded, err := repo.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "local-1", loaded[0].State.PositionID)
}

// TestReadLedgerSkipsMalformedRows verifies row-level resilience: a bad line
// in the middle of a ledger is dropped, the rest survives.
func TestReadLedgerSkipsMalformedRows(t *testing.T) {
	repo, dir := newTestRepo(t)

	require.NoError(t, repo.SaveSnapshot(testState("local-1", 100)))

	content := strings.Join([]string{
		strings.Join(ledgerHeader, ","),
		"A1,ETHUSDT,buy,open,3482.5,28.5,0,0.7,10,filled,local-1,3482.5",
		"bad,row",
		"A2,ETHUSDT,sell,close,3517.5,28.5,99.75,0.7,not_a_time,filled,local-1,3517.5",
		"A3,ETHUSDT,sell,close,3517.5,28.5,99.75,0.7,20,filled,local-1,3517.5",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local-1_orders.csv"), []byte(content), 0o644))

	loaded, err := repo.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	history := loaded[0].History
	require.Len(t, history, 2, "malformed rows dropped")
	assert.Equal(t, "A1", history[0].OrderID)
	assert.Equal(t, "A3", history[1].OrderID)
	assert.InDelta(t, 99.75, history[1].Pnl, 1e-9)
	assert.Equal(t, models.OrderFilled, history[1].Status)
}

// TestRenameLedgerMovesFileAndKeepsAppending verifies the adoption path:
// the ledger follows the new position id and later rows land in the moved
// file without a second header.
func TestRenameLedgerMovesFileAndKeepsAppending(t *testing.T) {
	repo, dir := newTestRepo(t)

	require.NoError(t, repo.AppendFill("local-1", testFill("A1", "local-1", 10)))
	require.NoError(t, repo.RenameLedger("local-1", "EXCH-9"))

	_, err := os.Stat(filepath.Join(dir, "local-1_orders.csv"))
	assert.True(t, os.IsNotExist(err), "old ledger should be gone")

	require.NoError(t, repo.AppendFill("EXCH-9", testFill("A2", "EXCH-9", 20)))

	data, err := os.ReadFile(filepath.Join(dir, "EXCH-9_orders.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3, "one header, two rows")
	assert.Equal(t, strings.Join(ledgerHeader, ","), lines[0])
}

// TestRenameLedgerEdgeCases verifies the two non-happy paths: a missing
// source is fine, an existing target is refused.
func TestRenameLedgerEdgeCases(t *testing.T) {
	repo, _ := newTestRepo(t)

	assert.NoError(t, repo.RenameLedger("never-written", "EXCH-1"), "missing source is not an error")

	require.NoError(t, repo.AppendFill("local-1", testFill("A1", "local-1", 10)))
	require.NoError(t, repo.AppendFill("EXCH-9", testFill("B1", "EXCH-9", 20)))
	err := repo.RenameLedger("local-1", "EXCH-9")
	require.Error(t, err, "must not clobber an existing ledger")
}

// TestDeleteInstanceRemovesEverything verifies that removal covers snapshot
// and ledger files for every id the instance ever used.
func TestDeleteInstanceRemovesEverything(t *testing.T) {
	repo, dir := newTestRepo(t)

	require.NoError(t, repo.SaveSnapshot(testState("EXCH-9", 200)))
	require.NoError(t, repo.AppendFill("EXCH-9", testFill("A1", "EXCH-9", 10)))
	require.NoError(t, repo.AppendFill("local-1", testFill("A0", "local-1", 5)))

	require.NoError(t, repo.DeleteInstance([]string{"EXCH-9", "local-1", "never-existed"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "data dir should be clean")

	var r Repository = repo
	assert.NoError(t, r.Close(), "closing a file repository is a no-op")
}
