package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-md/internal/domain/schema"
)

// InstrumentStore persists resolved instrument definitions.
type InstrumentStore struct {
	pool *pgxpool.Pool
}

// NewInstrumentStore constructs an InstrumentStore backed by the provided pgx pool.
func NewInstrumentStore(pool *pgxpool.Pool) *InstrumentStore {
	return &InstrumentStore{pool: pool}
}

const (
	instrumentUpsertSQL = `
INSERT INTO instruments (
    instrument_id,
    venue,
    raw_symbol,
    instrument_type,
    base_asset,
    quote_asset,
    margin_asset,
    price_precision,
    size_precision,
    tick_size,
    step_size,
    min_quantity,
    max_quantity,
    min_notional,
    status,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric, $12::numeric, $13::numeric, $14::numeric, $15, NOW())
ON CONFLICT (instrument_id) DO UPDATE SET
    raw_symbol = EXCLUDED.raw_symbol,
    instrument_type = EXCLUDED.instrument_type,
    base_asset = EXCLUDED.base_asset,
    quote_asset = EXCLUDED.quote_asset,
    margin_asset = EXCLUDED.margin_asset,
    price_precision = EXCLUDED.price_precision,
    size_precision = EXCLUDED.size_precision,
    tick_size = EXCLUDED.tick_size,
    step_size = EXCLUDED.step_size,
    min_quantity = EXCLUDED.min_quantity,
    max_quantity = EXCLUDED.max_quantity,
    min_notional = EXCLUDED.min_notional,
    status = EXCLUDED.status,
    updated_at = NOW();
`
	instrumentListSQL = `
SELECT instrument_id, raw_symbol, instrument_type, base_asset, quote_asset, margin_asset,
       price_precision, size_precision,
       tick_size::text, step_size::text, min_quantity::text, max_quantity::text, min_notional::text,
       status
FROM instruments
WHERE venue = $1
ORDER BY instrument_id;
`
)

// SaveInstruments upserts the given instruments in a single transaction.
func (s *InstrumentStore) SaveInstruments(ctx context.Context, instruments []schema.Instrument) error {
	if s.pool == nil {
		return fmt.Errorf("instrument store: nil pool")
	}
	if len(instruments) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("instrument store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for i := range instruments {
		inst := &instruments[i]
		if err := inst.Validate(); err != nil {
			return fmt.Errorf("instrument store: %s: %w", inst.ID, err)
		}
		batch.Queue(instrumentUpsertSQL,
			string(inst.ID),
			inst.ID.Venue(),
			inst.RawSymbol,
			string(inst.Type),
			inst.BaseAsset,
			inst.QuoteAsset,
			inst.MarginAsset,
			inst.PricePrecision,
			inst.SizePrecision,
			numericText(inst.TickSize),
			numericText(inst.StepSize),
			numericText(inst.MinQuantity),
			numericText(inst.MaxQuantity),
			numericText(inst.MinNotional),
			inst.Status,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range instruments {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("instrument store: upsert: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("instrument store: close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("instrument store: commit: %w", err)
	}
	return nil
}

// LoadInstruments returns every stored instrument for the venue, ordered by id.
func (s *InstrumentStore) LoadInstruments(ctx context.Context, venue string) ([]schema.Instrument, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("instrument store: nil pool")
	}
	rows, err := s.pool.Query(ctx, instrumentListSQL, venue)
	if err != nil {
		return nil, fmt.Errorf("instrument store: query: %w", err)
	}
	defer rows.Close()

	var out []schema.Instrument
	for rows.Next() {
		var (
			inst                                    schema.Instrument
			id, typ                                 string
			tick, step, minQty, maxQty, minNotional string
		)
		if err := rows.Scan(&id, &inst.RawSymbol, &typ, &inst.BaseAsset, &inst.QuoteAsset, &inst.MarginAsset,
			&inst.PricePrecision, &inst.SizePrecision,
			&tick, &step, &minQty, &maxQty, &minNotional,
			&inst.Status); err != nil {
			return nil, fmt.Errorf("instrument store: scan: %w", err)
		}
		inst.ID = schema.InstrumentID(id)
		inst.Type = schema.InstrumentType(typ)
		for _, field := range []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"tick_size", tick, &inst.TickSize},
			{"step_size", step, &inst.StepSize},
			{"min_quantity", minQty, &inst.MinQuantity},
			{"max_quantity", maxQty, &inst.MaxQuantity},
			{"min_notional", minNotional, &inst.MinNotional},
		} {
			value, err := parseNumeric(field.name, field.raw)
			if err != nil {
				return nil, fmt.Errorf("instrument store: %s: %w", id, err)
			}
			*field.dst = value
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("instrument store: rows: %w", err)
	}
	return out, nil
}
