package sqltool

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/adapters"
)

// testAdapter routes every open through an in-memory sqlite database
// seeded with a small table.
func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := New(map[string]string{"reports": "postgres://reports.internal/app"}, time.Second, zap.NewNop())
	a.openDB = func(driver, dsn string) (*sql.DB, error) {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, err
		}
		if _, err := db.Exec(`CREATE TABLE orders (id INTEGER, status TEXT)`); err != nil {
			return nil, err
		}
		if _, err := db.Exec(`INSERT INTO orders VALUES (1, 'open'), (2, 'closed')`); err != nil {
			return nil, err
		}
		return db, nil
	}
	return a
}

func TestQueryReturnsRows(t *testing.T) {
	a := testAdapter(t)
	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "sql.query",
		Input: map[string]any{"alias": "reports", "query": "SELECT id, status FROM orders ORDER BY id"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := resp.Output["row_count"]; got != 2 {
		t.Fatalf("row_count = %v, want 2", got)
	}
	rows := resp.Output["rows"].([]map[string]any)
	if rows[1]["status"] != "closed" {
		t.Fatalf("rows[1] = %v", rows[1])
	}
}

func TestQueryRejectsWrites(t *testing.T) {
	a := testAdapter(t)
	for _, q := range []string{
		"DELETE FROM orders",
		"INSERT INTO orders VALUES (3, 'x')",
		"UPDATE orders SET status = 'x'",
		"SELECT 1; DROP TABLE orders",
	} {
		_, err := a.Invoke(context.Background(), adapters.ToolCall{
			Name:  "sql.query",
			Input: map[string]any{"alias": "reports", "query": q},
		})
		var ae *adapters.Error
		if !errors.As(err, &ae) || ae.Retryable {
			t.Fatalf("query %q: want terminal error, got %v", q, err)
		}
	}
}

func TestQueryAllowsWithCTE(t *testing.T) {
	a := testAdapter(t)
	_, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "sql.query",
		Input: map[string]any{"alias": "reports", "query": "WITH open AS (SELECT * FROM orders WHERE status = 'open') SELECT count(*) AS n FROM open;"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
}

func TestQueryUnknownAlias(t *testing.T) {
	a := testAdapter(t)
	_, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "sql.query",
		Input: map[string]any{"alias": "nope", "query": "SELECT 1"},
	})
	if err == nil {
		t.Fatal("want error for unknown alias")
	}
}

func TestQueryDryRun(t *testing.T) {
	a := testAdapter(t)
	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:   "sql.query",
		Input:  map[string]any{"alias": "reports", "query": "SELECT 1"},
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Output["dry_run"] != true {
		t.Fatalf("output = %v", resp.Output)
	}
	if resp.Audit["planned"] == nil {
		t.Fatal("expected planned ops in audit")
	}
}

func TestDriverInference(t *testing.T) {
	cases := []struct {
		dsn, driver, want string
	}{
		{"postgres://u:p@db:5432/app", "pgx", "postgres://u:p@db:5432/app"},
		{"mysql://u:p@db/app", "mysql", "u:p@tcp(db:3306)/app"},
		{"u:p@tcp(db:3306)/app", "mysql", "u:p@tcp(db:3306)/app"},
	}
	for _, tc := range cases {
		driver, dsn, err := driverFor(tc.dsn)
		if err != nil {
			t.Fatalf("driverFor(%q): %v", tc.dsn, err)
		}
		if driver != tc.driver || dsn != tc.want {
			t.Fatalf("driverFor(%q) = %q %q, want %q %q", tc.dsn, driver, dsn, tc.driver, tc.want)
		}
	}
	if _, _, err := driverFor("who-knows"); err == nil {
		t.Fatal("want error for unrecognized dsn")
	}
}
