package persistence

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"msx-grid-bot-go/internal/logger"
	"msx-grid-bot-go/internal/models"
)

// ledgerHeader is the fixed column set of the fill ledger. External tools
// parse these files; never reorder the columns.
var ledgerHeader = []string{
	"order_id", "symbol", "side", "open_type", "price", "volume",
	"pnl", "fee", "timestamp", "status", "pos_id", "avg_price",
}

// FileRepository stores instance state as flat files under a single data
// directory: {position_id}.json snapshots and {position_id}_orders.csv
// fill ledgers.
type FileRepository struct {
	dir string
	mu  sync.Mutex
}

// NewFileRepository creates the data directory if needed.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create data dir %s: %w", dir, err)
	}
	return &FileRepository{dir: dir}, nil
}

func (r *FileRepository) snapshotPath(positionID string) string {
	return filepath.Join(r.dir, positionID+".json")
}

func (r *FileRepository) ledgerPath(positionID string) string {
	return filepath.Join(r.dir, positionID+"_orders.csv")
}

// SaveSnapshot writes the snapshot atomically: marshal to a temp file in the
// same directory, then rename over the final path. A crash mid-write leaves
// either the old snapshot or a stray .tmp, never a torn file.
func (r *FileRepository) SaveSnapshot(state *models.InstanceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state.PositionID == "" {
		return fmt.Errorf("refusing to save snapshot without position id (symbol %s)", state.Config.Symbol)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", state.PositionID, err)
	}

	final := r.snapshotPath(state.PositionID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("replace snapshot %s: %w", final, err)
	}
	return nil
}

// DeleteSnapshot removes one snapshot file, tolerating absence.
func (r *FileRepository) DeleteSnapshot(positionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.snapshotPath(positionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot %s: %w", positionID, err)
	}
	return nil
}

// AppendFill appends one row to the position's ledger, writing the header
// first when the file is new or empty.
func (r *FileRepository) AppendFill(positionID string, fill *models.RawFill) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.ledgerPath(positionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", positionID, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger %s: %w", positionID, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(ledgerHeader); err != nil {
			return fmt.Errorf("write ledger header: %w", err)
		}
	}
	if err := w.Write(fillRecord(fill)); err != nil {
		return fmt.Errorf("write ledger row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// RenameLedger moves a ledger to a new position id. A missing source means
// no fills were written yet, which is fine.
func (r *FileRepository) RenameLedger(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldPath, newPath := r.ledgerPath(oldID), r.ledgerPath(newID)
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(newPath); err == nil {
		// Target already exists, e.g. after an interrupted adoption. Keep
		// both; LoadAll merges ledgers by symbol anyway.
		return fmt.Errorf("ledger %s already exists, keeping %s", newID, oldID)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename ledger %s -> %s: %w", oldID, newID, err)
	}
	return nil
}

// DeleteInstance removes snapshot and ledger files for every given position
// id. Missing files are ignored; the first hard failure is returned after
// attempting the rest.
func (r *FileRepository) DeleteInstance(positionIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, pid := range positionIDs {
		for _, path := range []string{r.snapshotPath(pid), r.ledgerPath(pid)} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.S().Warnf("cannot remove %s: %v", path, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Close is a no-op: every operation opens and closes its files itself.
func (r *FileRepository) Close() error {
	return nil
}

// LoadAll scans the data directory and reconstructs at most one instance per
// symbol. When several snapshots claim the same symbol the greatest saved_at
// wins and the losers are reported as stale. Fill history is rebuilt by
// merging the ledgers of every position id that ever belonged to the symbol.
func (r *FileRepository) LoadAll() ([]*LoadedInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir %s: %w", r.dir, err)
	}

	bySymbol := make(map[string][]*models.InstanceState)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.S().Warnf("cannot read snapshot %s: %v", path, err)
			continue
		}

		var state models.InstanceState
		if err := json.Unmarshal(data, &state); err != nil {
			logger.S().Warnf("skipping corrupt snapshot %s: %v", name, err)
			continue
		}
		if state.PositionID == "" || state.Config.Symbol == "" {
			logger.S().Warnf("skipping snapshot %s: missing position id or symbol", name)
			continue
		}
		bySymbol[state.Config.Symbol] = append(bySymbol[state.Config.Symbol], &state)
	}

	loaded := make([]*LoadedInstance, 0, len(bySymbol))
	for symbol, states := range bySymbol {
		sort.Slice(states, func(i, j int) bool {
			if states[i].SavedAt != states[j].SavedAt {
				return states[i].SavedAt > states[j].SavedAt
			}
			return states[i].PositionID > states[j].PositionID
		})

		chosen := states[0]
		var stale []string
		for _, s := range states[1:] {
			logger.S().Warnf("conflicting snapshots for %s: keeping %s (saved_at=%d), discarding %s (saved_at=%d)",
				symbol, chosen.PositionID, chosen.SavedAt, s.PositionID, s.SavedAt)
			stale = append(stale, s.PositionID)
		}

		history := r.buildHistory(append([]string{chosen.PositionID}, stale...))
		loaded = append(loaded, &LoadedInstance{
			State:            chosen,
			History:          history,
			StalePositionIDs: stale,
		})
	}

	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].State.Config.Symbol < loaded[j].State.Config.Symbol
	})
	return loaded, nil
}

// buildHistory merges the ledgers of the given position ids, deduplicates by
// order id and orders by fill time. Caller holds the lock.
func (r *FileRepository) buildHistory(positionIDs []string) []models.OrderInfo {
	seen := make(map[string]bool)
	var history []models.OrderInfo
	for _, pid := range positionIDs {
		for _, f := range r.readLedger(pid) {
			if f.OrderID == "" || seen[f.OrderID] {
				continue
			}
			seen[f.OrderID] = true

			filledPrice := f.AvgPrice
			if filledPrice == 0 {
				filledPrice = f.Price
			}
			history = append(history, models.OrderInfo{
				OrderID:            f.OrderID,
				Side:               f.Side,
				Price:              f.Price,
				Volume:             f.Volume,
				Status:             models.OrderFilled,
				FilledPrice:        filledPrice,
				FilledTime:         f.Timestamp,
				ExchangePositionID: f.PosID,
				Pnl:                f.Pnl,
				Fee:                f.Fee,
			})
		}
	}

	sort.Slice(history, func(i, j int) bool {
		if history[i].FilledTime != history[j].FilledTime {
			return history[i].FilledTime < history[j].FilledTime
		}
		return history[i].OrderID < history[j].OrderID
	})
	return history
}

// readLedger parses one ledger file. Malformed rows are skipped with a
// warning so one bad line cannot take the whole history down.
func (r *FileRepository) readLedger(positionID string) []models.RawFill {
	path := r.ledgerPath(positionID)
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.S().Warnf("cannot open ledger %s: %v", path, err)
		}
		return nil
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		logger.S().Warnf("cannot parse ledger %s: %v", path, err)
		return nil
	}

	fills := make([]models.RawFill, 0, len(records))
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && rec[0] == ledgerHeader[0] {
			continue
		}
		fill, err := parseFillRecord(rec)
		if err != nil {
			logger.S().Warnf("skipping ledger row %d in %s: %v", i+1, path, err)
			continue
		}
		fills = append(fills, fill)
	}
	return fills
}

func fillRecord(f *models.RawFill) []string {
	return []string{
		f.OrderID,
		f.Symbol,
		string(f.Side),
		f.OpenType,
		formatFloat(f.Price),
		formatFloat(f.Volume),
		formatFloat(f.Pnl),
		formatFloat(f.Fee),
		strconv.FormatInt(f.Timestamp, 10),
		f.Status,
		f.PosID,
		formatFloat(f.AvgPrice),
	}
}

func parseFillRecord(rec []string) (models.RawFill, error) {
	if len(rec) < len(ledgerHeader) {
		return models.RawFill{}, fmt.Errorf("expected %d columns, got %d", len(ledgerHeader), len(rec))
	}

	price, err := strconv.ParseFloat(rec[4], 64)
	if err != nil {
		return models.RawFill{}, fmt.Errorf("bad price %q", rec[4])
	}
	volume, err := strconv.ParseFloat(rec[5], 64)
	if err != nil {
		return models.RawFill{}, fmt.Errorf("bad volume %q", rec[5])
	}
	pnl, _ := strconv.ParseFloat(rec[6], 64)
	fee, _ := strconv.ParseFloat(rec[7], 64)
	ts, err := strconv.ParseInt(rec[8], 10, 64)
	if err != nil {
		return models.RawFill{}, fmt.Errorf("bad timestamp %q", rec[8])
	}
	avgPrice, _ := strconv.ParseFloat(rec[11], 64)

	return models.RawFill{
		OrderID:   rec[0],
		Symbol:    rec[1],
		Side:      models.Side(rec[2]),
		OpenType:  rec[3],
		Price:     price,
		Volume:    volume,
		Pnl:       pnl,
		Fee:       fee,
		Timestamp: ts,
		Status:    rec[9],
		PosID:     rec[10],
		AvgPrice:  avgPrice,
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
