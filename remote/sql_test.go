package remote

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockSQL(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQL(db), mock
}

func TestSQL_Ping(t *testing.T) {
	tests := []struct {
		name    string
		expect  func(sqlmock.Sqlmock)
		wantErr bool
	}{
		{
			name: "row present",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(`SELECT id FROM page_counters LIMIT 1`).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("home"))
			},
		},
		{
			name: "empty table is reachable",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(`SELECT id FROM page_counters LIMIT 1`).
					WillReturnError(sql.ErrNoRows)
			},
		},
		{
			name: "connection failure",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(`SELECT id FROM page_counters LIMIT 1`).
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockSQL(t)
			tt.expect(mock)

			err := s.Ping(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Ping() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQL_GetPageCounter(t *testing.T) {
	s, mock := newMockSQL(t)
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT (.+) FROM page_counters WHERE id`).
		WithArgs("home").
		WillReturnRows(sqlmock.NewRows([]string{"id", "page_name", "count", "last_updated"}).
			AddRow("home", "Home", int64(41), updated))
	mock.ExpectQuery(`SELECT (.+) FROM page_counters WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "page_name", "count", "last_updated"}))

	got, err := s.GetPageCounter(context.Background(), "home")
	if err != nil {
		t.Fatalf("GetPageCounter() error = %v", err)
	}
	if got.Count != 41 || got.PageName != "Home" || !got.LastUpdated.Equal(updated) {
		t.Errorf("GetPageCounter() = %+v", got)
	}

	if _, err := s.GetPageCounter(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPageCounter(missing) error = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQL_InsertPageCounter_Conflict(t *testing.T) {
	s, mock := newMockSQL(t)

	mock.ExpectExec(`INSERT INTO page_counters`).
		WithArgs("home", "Home", int64(1), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.InsertPageCounter(context.Background(), PageCounter{ID: "home", PageName: "Home", Count: 1, LastUpdated: time.Now()})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("InsertPageCounter() error = %v, want ErrConflict", err)
	}
}

func TestSQL_UpdatePageCounter(t *testing.T) {
	s, mock := newMockSQL(t)

	mock.ExpectExec(`UPDATE page_counters`).
		WithArgs("home", int64(9), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE page_counters`).
		WithArgs("gone", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdatePageCounter(context.Background(), PageCounter{ID: "home", Count: 9}); err != nil {
		t.Errorf("UpdatePageCounter() error = %v", err)
	}
	if err := s.UpdatePageCounter(context.Background(), PageCounter{ID: "gone", Count: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePageCounter(gone) error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQL_ClickCounter(t *testing.T) {
	s, mock := newMockSQL(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT (.+) FROM click_counters WHERE id`).
		WithArgs("open-case").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "url", "click_count", "last_click"}).
			AddRow("open-case", "Open case", "/cases/1", int64(3), now))
	mock.ExpectExec(`UPDATE click_counters`).
		WithArgs("open-case", int64(4), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO click_counters`).
		WithArgs("new-btn", "New", "/", int64(1), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	c, err := s.GetClickCounter(ctx, "open-case")
	if err != nil || c.ClickCount != 3 {
		t.Fatalf("GetClickCounter() = %+v, %v", c, err)
	}
	c.ClickCount++
	c.LastClick = now
	if err := s.UpdateClickCounter(ctx, c); err != nil {
		t.Errorf("UpdateClickCounter() error = %v", err)
	}
	if err := s.InsertClickCounter(ctx, ClickCounter{ID: "new-btn", Name: "New", URL: "/", ClickCount: 1, LastClick: now}); err != nil {
		t.Errorf("InsertClickCounter() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQL_InsertWinner(t *testing.T) {
	s, mock := newMockSQL(t)
	wonAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO giveaway_winners`).
		WithArgs("gw-1", "u-1", wonAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.InsertWinner(context.Background(), Winner{GiveawayID: "gw-1", UserID: "u-1", WonAt: wonAt}); err != nil {
		t.Errorf("InsertWinner() error = %v", err)
	}
}

func TestMigrateURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@db:5432/app":   "pgx5://u:p@db:5432/app",
		"postgresql://u:p@db:5432/app": "pgx5://u:p@db:5432/app",
		"pgx5://db/app":                "pgx5://db/app",
	}
	for in, want := range tests {
		if got := migrateURL(in); got != want {
			t.Errorf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}
