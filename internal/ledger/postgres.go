package ledger

import (
	"context"
	"fmt"
	"time"

	"scalper/internal/exchange"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore keeps trades in the trades table, one row per fill.
type PostgresStore struct {
	pool *pgxpool.Pool
	pair string
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Migrate creates the trades table when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`create table if not exists trades (
			seq bigserial primary key,
			id text not null unique,
			pair text not null,
			executed_at timestamptz not null,
			side text not null,
			quantity numeric not null,
			price numeric not null
		);`,
		`create index if not exists trades_pair_seq_idx on trades(pair, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func NewPostgresStore(pool *pgxpool.Pool, pair string) *PostgresStore {
	return &PostgresStore{pool: pool, pair: pair}
}

func (s *PostgresStore) Load(ctx context.Context) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, `
		select id, executed_at, side, quantity::text, price::text
		from trades
		where pair = $1
		order by seq
	`, s.pair)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			t          Trade
			side       string
			qty, price string
		)
		if err := rows.Scan(&t.ID, &t.Time, &side, &qty, &price); err != nil {
			return nil, err
		}
		t.Side = exchange.Side(side)
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("trade %s quantity: %w", t.ID, err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, trade Trade) error {
	_, err := s.pool.Exec(ctx, `
		insert into trades(id, pair, executed_at, side, quantity, price)
		values ($1, $2, $3, $4, $5::numeric, $6::numeric)
	`, trade.ID, s.pair, trade.Time, string(trade.Side), trade.Quantity.String(), trade.Price.String())
	return err
}
