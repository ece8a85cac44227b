// Package billing meters runs into per-tenant daily usage rows,
// enforces quotas, and keeps monthly invoices. Adapter calls are billed
// at a flat rate per call on top of provider token cost.
package billing

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

// CostPerAdapterCall is the flat metering rate for one adapter
// invocation.
const CostPerAdapterCall = 0.01

// Invoice statuses.
const (
	InvoiceOpen = "open"
	InvoicePaid = "paid"
	InvoiceVoid = "void"
)

var ErrNotFound = errors.New("billing: not found")

// Usage is one tenant-day aggregate.
type Usage struct {
	TenantID     string  `json:"tenant_id"`
	Day          string  `json:"day"`
	Runs         int64   `json:"runs"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	AdapterCalls int64   `json:"adapter_calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// Invoice is one tenant-month bill.
type Invoice struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Month     string    `json:"month"`
	AmountUSD float64   `json:"amount_usd"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Limits caps tenant consumption. Zero means unlimited.
type Limits struct {
	MaxRunsPerDay      int64   `json:"max_runs_per_day"`
	MaxTokensPerDay    int64   `json:"max_tokens_per_day"`
	MaxCostPerMonthUSD float64 `json:"max_cost_per_month_usd"`
}

// Projection is the pending operation's estimated consumption, checked
// before admission.
type Projection struct {
	Runs    int64
	Tokens  int64
	CostUSD float64
}

// Violation is returned with PaymentRequired responses.
type Violation struct {
	Metric  string  `json:"metric"`
	Limit   float64 `json:"limit"`
	Current float64 `json:"current"`
}

// QuotaResult is the outcome of a quota check. Warnings fire at 80% of
// any limit.
type QuotaResult struct {
	OK        bool       `json:"ok"`
	Violation *Violation `json:"violation,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
}

const billingSchema = `
CREATE TABLE IF NOT EXISTS billing_usage (
	tenant_id TEXT NOT NULL,
	day TEXT NOT NULL,
	runs INTEGER NOT NULL,
	tokens_in INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	adapter_calls INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	PRIMARY KEY (tenant_id, day)
);
CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	month TEXT NOT NULL,
	amount_usd REAL NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(tenant_id, month)
);`

// Service meters usage and answers quota checks.
type Service struct {
	db      *sql.DB
	runs    *runs.Store
	limits  Limits
	enabled bool
	logger  *zap.Logger
}

func Open(path string, runStore *runs.Store, limits Limits, enabled bool, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("billing: open: %w", err)
	}
	if _, err := db.Exec(billingSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("billing: migrate: %w", err)
	}
	return &Service{db: db, runs: runStore, limits: limits, enabled: enabled, logger: logger.Named("billing")}, nil
}

func (s *Service) Close() error { return s.db.Close() }

// Enabled reports whether quota enforcement is on.
func (s *Service) Enabled() bool { return s.enabled }

// runCost prices one run's metrics.
func runCost(m runs.Metrics) float64 {
	var calls int64
	for _, n := range m.AdapterCalls {
		calls += n
	}
	return m.CostUSD + float64(calls)*CostPerAdapterCall
}

// liveUsage computes a tenant's usage for a window straight from run
// rows, for days not yet collapsed by the aggregator.
func (s *Service) liveUsage(tenantID string, from, to time.Time) (Usage, error) {
	list, err := s.runs.ListRunsBetween(tenantID, from, to)
	if err != nil {
		return Usage{}, fmt.Errorf("billing: live usage: %w", err)
	}
	u := Usage{TenantID: tenantID}
	for _, run := range list {
		u.Runs++
		u.TokensIn += run.Metrics.TokensIn
		u.TokensOut += run.Metrics.TokensOut
		for _, n := range run.Metrics.AdapterCalls {
			u.AdapterCalls += n
		}
		u.CostUSD += runCost(run.Metrics)
	}
	return u, nil
}

// AggregateDay collapses every tenant's runs for one calendar day into
// billing_usage rows. Idempotent: re-running a day replaces the row.
func (s *Service) AggregateDay(day time.Time) error {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	tenants, err := s.runs.TenantsWithRunsBetween(from, to)
	if err != nil {
		return fmt.Errorf("billing: aggregate: %w", err)
	}
	for _, tenantID := range tenants {
		u, err := s.liveUsage(tenantID, from, to)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(`INSERT INTO billing_usage
			(tenant_id, day, runs, tokens_in, tokens_out, adapter_calls, cost_usd)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, day) DO UPDATE SET
				runs = excluded.runs,
				tokens_in = excluded.tokens_in,
				tokens_out = excluded.tokens_out,
				adapter_calls = excluded.adapter_calls,
				cost_usd = excluded.cost_usd`,
			tenantID, from.Format("2006-01-02"), u.Runs, u.TokensIn, u.TokensOut, u.AdapterCalls, u.CostUSD)
		if err != nil {
			return fmt.Errorf("billing: aggregate %s: %w", tenantID, err)
		}
		s.logger.Info("aggregated tenant day",
			zap.String("tenant_id", tenantID),
			zap.String("day", from.Format("2006-01-02")),
			zap.Int64("runs", u.Runs))
	}
	return nil
}

// UsageBetween returns the stored daily rows for a tenant in [from, to].
func (s *Service) UsageBetween(tenantID string, from, to time.Time) ([]*Usage, error) {
	rows, err := s.db.Query(`SELECT tenant_id, day, runs, tokens_in, tokens_out, adapter_calls, cost_usd
		FROM billing_usage WHERE tenant_id = ? AND day >= ? AND day <= ? ORDER BY day`,
		tenantID, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("billing: usage: %w", err)
	}
	defer rows.Close()
	var out []*Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.TenantID, &u.Day, &u.Runs, &u.TokensIn, &u.TokensOut, &u.AdapterCalls, &u.CostUSD); err != nil {
			return nil, fmt.Errorf("billing: usage: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// CheckQuota admits or rejects a pending operation. Current-day usage
// is read live from runs; the month adds the stored daily rows.
func (s *Service) CheckQuota(tenantID string, pending Projection) (*QuotaResult, error) {
	if !s.enabled {
		return &QuotaResult{OK: true}, nil
	}
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := s.liveUsage(tenantID, dayStart, now.Add(time.Second))
	if err != nil {
		return nil, err
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	stored, err := s.UsageBetween(tenantID, monthStart, now)
	if err != nil {
		return nil, err
	}
	monthCost := today.CostUSD
	for _, u := range stored {
		// The stored row for today would double-count the live read.
		if u.Day == dayStart.Format("2006-01-02") {
			continue
		}
		monthCost += u.CostUSD
	}

	result := &QuotaResult{OK: true}
	check := func(metric string, limit, current float64) {
		if limit <= 0 {
			return
		}
		if current >= limit {
			if result.OK {
				result.OK = false
				result.Violation = &Violation{Metric: metric, Limit: limit, Current: current}
			}
			return
		}
		if current >= 0.8*limit {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s at %.0f%% of limit", metric, 100*current/limit))
		}
	}
	check("runs_per_day", float64(s.limits.MaxRunsPerDay), float64(today.Runs+pending.Runs))
	check("tokens_per_day", float64(s.limits.MaxTokensPerDay), float64(today.TokensIn+today.TokensOut+pending.Tokens))
	check("cost_per_month_usd", s.limits.MaxCostPerMonthUSD, monthCost+pending.CostUSD)
	return result, nil
}

// GenerateInvoices writes one open invoice per tenant for the month
// ("2006-01" format) from the stored daily rows. Existing invoices are
// left alone.
func (s *Service) GenerateInvoices(month time.Time) error {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, -1)
	rows, err := s.db.Query(`SELECT tenant_id, SUM(cost_usd) FROM billing_usage
		WHERE day >= ? AND day <= ? GROUP BY tenant_id`,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("billing: invoices: %w", err)
	}
	defer rows.Close()
	type sum struct {
		tenantID string
		amount   float64
	}
	var sums []sum
	for rows.Next() {
		var s sum
		if err := rows.Scan(&s.tenantID, &s.amount); err != nil {
			return fmt.Errorf("billing: invoices: %w", err)
		}
		sums = append(sums, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, item := range sums {
		_, err := s.db.Exec(`INSERT INTO invoices (id, tenant_id, month, amount_usd, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, month) DO NOTHING`,
			uuid.NewString(), item.tenantID, from.Format("2006-01"), item.amount, InvoiceOpen,
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("billing: invoices: %w", err)
		}
	}
	return nil
}

// Invoices lists a tenant's invoices, newest month first.
func (s *Service) Invoices(tenantID string) ([]*Invoice, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, month, amount_usd, status, created_at
		FROM invoices WHERE tenant_id = ? ORDER BY month DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: invoices: %w", err)
	}
	defer rows.Close()
	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// SetInvoiceStatus flips an invoice's status. The Stripe webhook uses
// this to mark payment.
func (s *Service) SetInvoiceStatus(id, status string) (*Invoice, error) {
	res, err := s.db.Exec(`UPDATE invoices SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return nil, fmt.Errorf("billing: invoice status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(`SELECT id, tenant_id, month, amount_usd, status, created_at FROM invoices WHERE id = ?`, id)
	return scanInvoice(row)
}

func scanInvoice(row interface{ Scan(...any) error }) (*Invoice, error) {
	var inv Invoice
	var created string
	if err := row.Scan(&inv.ID, &inv.TenantID, &inv.Month, &inv.AmountUSD, &inv.Status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("billing: scan invoice: %w", err)
	}
	inv.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &inv, nil
}
