package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"futurestack/internal/domain"
)

// Compile-time interface check.
var _ HistoryStore = (*ParquetHistory)(nil)

// ParquetHistory archives finished orders as Parquet files on disk, one file
// per tier per archive day:
//
//	<DataDir>/<tier>/<YYYY-MM-DD>.parquet
//
// Appending the same order twice on one day keeps the latest copy.
type ParquetHistory struct {
	DataDir string

	mu  sync.Mutex
	now func() time.Time
}

// NewParquetHistory creates a history archive rooted at dataDir.
func NewParquetHistory(dataDir string) *ParquetHistory {
	return &ParquetHistory{DataDir: dataDir, now: time.Now}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OrderRecord is the Parquet schema shared by archived instrument and
// contract orders. Prices are decimal strings; empty means unknown.
type OrderRecord struct {
	ID             int64    `parquet:"id"`
	StrategyName   string   `parquet:"strategy_name"`
	InstrumentCode string   `parquet:"instrument_code"`
	ContractIDs    []string `parquet:"contract_ids,list"`
	Trade          []int64  `parquet:"trade,list"`
	Fill           []int64  `parquet:"fill,list"`
	FilledPrice    string   `parquet:"filled_price"`
	FillTime       int64    `parquet:"fill_time,timestamp(millisecond)"`
	ParentID       int64    `parquet:"parent_id"`
	Children       []int64  `parquet:"children,list"`
	RollOrder      bool     `parquet:"roll_order"`
	ReferencePrice string   `parquet:"reference_price"`
	ArchivedAt     int64    `parquet:"archived_at,timestamp(millisecond)"`
}

func newOrderRecord(b *domain.OrderBase, reference decimal.NullDecimal, archivedAt time.Time) OrderRecord {
	r := OrderRecord{
		ID:             int64(b.ID),
		StrategyName:   b.StrategyName,
		InstrumentCode: b.InstrumentCode,
		ContractIDs:    b.ContractIDs,
		Trade:          b.Trade,
		Fill:           b.Fill,
		RollOrder:      b.RollOrder,
		ArchivedAt:     archivedAt.UnixMilli(),
	}
	if b.FilledPrice.Valid {
		r.FilledPrice = b.FilledPrice.Decimal.String()
	}
	if !b.FillTime.IsZero() {
		r.FillTime = b.FillTime.UnixMilli()
	}
	if reference.Valid {
		r.ReferencePrice = reference.Decimal.String()
	}
	if parent, ok := b.ParentID(); ok {
		r.ParentID = int64(parent)
	}
	for _, c := range b.Children {
		r.Children = append(r.Children, int64(c))
	}
	return r
}

// ---------------------------------------------------------------------------
// HistoryStore implementation
// ---------------------------------------------------------------------------

// AppendInstrumentOrder archives a finished instrument order.
func (h *ParquetHistory) AppendInstrumentOrder(_ context.Context, o *domain.InstrumentOrder) error {
	now := h.now()
	return h.append(domain.TierInstrument, now, newOrderRecord(&o.OrderBase, o.ReferencePrice, now))
}

// AppendContractOrder archives a finished contract order.
func (h *ParquetHistory) AppendContractOrder(_ context.Context, o *domain.ContractOrder) error {
	now := h.now()
	return h.append(domain.TierContract, now, newOrderRecord(&o.OrderBase, o.ReferencePrice, now))
}

func (h *ParquetHistory) append(tier domain.Tier, day time.Time, rec OrderRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	path := h.path(tier, day)
	existing, _ := readParquetFile[OrderRecord](path)
	merged := mergeOrderRecords(existing, []OrderRecord{rec})
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("archiving %s order %d: %w", tier, rec.ID, err)
	}
	return nil
}

// ReadOrders returns the orders of one tier archived on the given day.
func (h *ParquetHistory) ReadOrders(_ context.Context, tier domain.Tier, day time.Time) ([]OrderRecord, error) {
	records, err := readParquetFile[OrderRecord](h.path(tier, day))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

// path returns the filesystem path for an archive file.
func (h *ParquetHistory) path(tier domain.Tier, day time.Time) string {
	return filepath.Join(h.DataDir, string(tier), day.UTC().Format("2006-01-02")+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOrderRecords deduplicates by order id, preferring incoming records.
// Results are sorted by id.
func mergeOrderRecords(existing, incoming []OrderRecord) []OrderRecord {
	seen := make(map[int64]OrderRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]OrderRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ID < merged[j].ID
	})
	return merged
}
