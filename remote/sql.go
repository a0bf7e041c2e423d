package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

// SQL is a Store backed by PostgreSQL through database/sql and the pgx driver.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// OpenPostgres opens a pgx-backed handle for dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SQL{db: db}, nil
}

// NewPostgres opens a pgx-backed handle for dsn without contacting the
// server. Connection failures surface on first use.
func NewPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &SQL{db: db}, nil
}

// Close closes the underlying handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) Ping(ctx context.Context) error {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM page_counters LIMIT 1`).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("remote ping: %w", err)
	}
	return nil
}

func (s *SQL) GetPageCounter(ctx context.Context, id string) (PageCounter, error) {
	var c PageCounter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, page_name, count, last_updated
		FROM page_counters
		WHERE id = $1
	`, id).Scan(&c.ID, &c.PageName, &c.Count, &c.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return PageCounter{}, ErrNotFound
	}
	if err != nil {
		return PageCounter{}, fmt.Errorf("get page counter %s: %w", id, err)
	}
	return c, nil
}

func (s *SQL) InsertPageCounter(ctx context.Context, c PageCounter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO page_counters (id, page_name, count, last_updated)
		VALUES ($1, $2, $3, $4)
	`, c.ID, c.PageName, c.Count, c.LastUpdated)
	return wrapWrite("insert page counter", c.ID, err)
}

func (s *SQL) UpdatePageCounter(ctx context.Context, c PageCounter) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE page_counters
		SET count = $2, last_updated = $3
		WHERE id = $1
	`, c.ID, c.Count, c.LastUpdated)
	if err != nil {
		return wrapWrite("update page counter", c.ID, err)
	}
	return requireRow(res, c.ID)
}

func (s *SQL) GetClickCounter(ctx context.Context, id string) (ClickCounter, error) {
	var c ClickCounter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, click_count, last_click
		FROM click_counters
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.URL, &c.ClickCount, &c.LastClick)
	if errors.Is(err, sql.ErrNoRows) {
		return ClickCounter{}, ErrNotFound
	}
	if err != nil {
		return ClickCounter{}, fmt.Errorf("get click counter %s: %w", id, err)
	}
	return c, nil
}

func (s *SQL) InsertClickCounter(ctx context.Context, c ClickCounter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO click_counters (id, name, url, click_count, last_click)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Name, c.URL, c.ClickCount, c.LastClick)
	return wrapWrite("insert click counter", c.ID, err)
}

func (s *SQL) UpdateClickCounter(ctx context.Context, c ClickCounter) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE click_counters
		SET click_count = $2, last_click = $3
		WHERE id = $1
	`, c.ID, c.ClickCount, c.LastClick)
	if err != nil {
		return wrapWrite("update click counter", c.ID, err)
	}
	return requireRow(res, c.ID)
}

func (s *SQL) InsertWinner(ctx context.Context, w Winner) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO giveaway_winners (giveaway_id, user_id, won_at)
		VALUES ($1, $2, $3)
	`, w.GiveawayID, w.UserID, w.WonAt)
	return wrapWrite("insert winner", w.GiveawayID+"/"+w.UserID, err)
}

func wrapWrite(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s: %w", op, id, ErrConflict)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	return nil
}
