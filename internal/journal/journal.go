// internal/journal/journal.go
package journal

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/events"
)

var header = []string{
	"timestamp", "event", "position_id", "token_mint",
	"quantity", "proceeds_sol", "tier", "multiplier", "tx_signature", "detail",
}

// Journal appends one CSV row per position lifecycle event. It is a
// plain audit trail next to the structured logs: greppable, loadable
// into a spreadsheet, append-only.
type Journal struct {
	mu       sync.Mutex
	writer   *csv.Writer
	file     *os.File
	ticker   *time.Ticker
	done     chan struct{}
	logger   *zap.Logger
	filePath string

	writtenRecords uint64
	flushCount     uint64
}

// New opens (or creates) the journal file and starts the periodic
// flush. The header is written only when the file is empty so restarts
// keep appending to the same journal.
func New(filePath string, flushInterval time.Duration, logger *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal file: %w", err)
	}

	j := &Journal{
		writer:   csv.NewWriter(file),
		file:     file,
		ticker:   time.NewTicker(flushInterval),
		done:     make(chan struct{}),
		logger:   logger.Named("journal"),
		filePath: filePath,
	}

	if stat.Size() == 0 {
		if err := j.writer.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write journal header: %w", err)
		}
		j.writer.Flush()
	}

	go j.periodicFlush()

	return j, nil
}

// Attach subscribes the journal to every lifecycle event on the bus.
func (j *Journal) Attach(bus *events.Bus) {
	record := func(_ context.Context, e events.Event) error {
		return j.writeRecord(toRecord(e))
	}
	for _, typ := range []events.EventType{
		events.PositionOpened,
		events.TierExecuted,
		events.StopLossTriggered,
		events.PositionClosed,
		events.SwapFailed,
		events.CandidateRejected,
	} {
		bus.SubscribeFunc(typ, record)
	}
}

// toRecord flattens an event into a journal row. Columns that do not
// apply to the event type stay empty.
func toRecord(e events.Event) []string {
	row := make([]string, len(header))
	row[0] = e.Timestamp().Format(time.RFC3339)
	row[1] = string(e.Type())

	switch ev := e.(type) {
	case events.PositionOpenedEvent:
		row[2] = ev.PositionID
		row[3] = ev.TokenMint
		row[4] = formatFloat(ev.Quantity)
		row[8] = ev.TxSignature
		row[9] = fmt.Sprintf("entry_price_usd=%s invested_sol=%s",
			formatFloat(ev.EntryPriceUSD), formatFloat(ev.InvestedSOL))
	case events.TierExecutedEvent:
		row[2] = ev.PositionID
		row[3] = ev.TokenMint
		row[4] = formatFloat(ev.QuantitySold)
		row[5] = formatFloat(ev.ProceedsSOL)
		row[6] = strconv.Itoa(ev.TierIndex)
		row[7] = formatFloat(ev.Multiplier)
		row[8] = ev.TxSignature
	case events.StopLossTriggeredEvent:
		row[2] = ev.PositionID
		row[3] = ev.TokenMint
		row[4] = formatFloat(ev.QuantitySold)
		row[5] = formatFloat(ev.ProceedsSOL)
		row[7] = formatFloat(ev.Multiplier)
		row[8] = ev.TxSignature
	case events.PositionClosedEvent:
		row[2] = ev.PositionID
		row[3] = ev.TokenMint
		row[9] = fmt.Sprintf("final_status=%s total_sells=%d", ev.FinalStatus, ev.TotalSells)
	case events.SwapFailedEvent:
		row[2] = ev.PositionID
		row[3] = ev.TokenMint
		row[9] = fmt.Sprintf("direction=%s reason=%s", ev.Direction, ev.Reason)
	case events.CandidateRejectedEvent:
		row[3] = ev.TokenMint
		row[9] = ev.Reason
	}
	return row
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (j *Journal) writeRecord(record []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write journal record: %w", err)
	}
	j.writtenRecords++
	return nil
}

// Flush forces buffered rows to disk.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.writer.Flush()
	if err := j.writer.Error(); err != nil {
		return fmt.Errorf("journal writer error: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal file: %w", err)
	}
	j.flushCount++
	return nil
}

func (j *Journal) periodicFlush() {
	for {
		select {
		case <-j.ticker.C:
			if err := j.Flush(); err != nil {
				j.logger.Error("periodic journal flush failed",
					zap.String("file", j.filePath),
					zap.Error(err))
			}
		case <-j.done:
			return
		}
	}
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	close(j.done)
	j.ticker.Stop()

	j.mu.Lock()
	defer j.mu.Unlock()

	j.writer.Flush()
	if err := j.writer.Error(); err != nil {
		return fmt.Errorf("journal writer error on close: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}

	j.logger.Info("journal closed",
		zap.String("file", j.filePath),
		zap.Uint64("records", j.writtenRecords),
		zap.Uint64("flushes", j.flushCount))
	return nil
}

// Stats returns the number of records written and flushes performed.
func (j *Journal) Stats() (records, flushes uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writtenRecords, j.flushCount
}
