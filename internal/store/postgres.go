package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/errand-dispatch/internal/models"
)

// PostgresStore persists job documents in a single table with the audit
// trail as a jsonb array. The compare-and-set is a conditional UPDATE
// checked via RowsAffected; the change feed is an updated_at poll.
type PostgresStore struct {
	db           *sql.DB
	pollInterval time.Duration
}

func NewPostgresStore(dsn string, pollInterval time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &PostgresStore{db: db, pollInterval: pollInterval}, nil
}

func (p *PostgresStore) Create(ctx context.Context, j *models.Job) (*models.Job, error) {
	cp := j.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if len(cp.History) == 0 {
		cp.History = []models.StatusEntry{{Status: cp.Status, Timestamp: now, Note: "created"}}
	}
	hist, err := json.Marshal(cp.History)
	if err != nil {
		return nil, err
	}
	var custLat, custLon sql.NullFloat64
	if cp.CustomerLoc != nil {
		custLat = sql.NullFloat64{Float64: cp.CustomerLoc.Lat, Valid: true}
		custLon = sql.NullFloat64{Float64: cp.CustomerLoc.Lon, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs(id, kind, status, buyer_id, seller_id, runner_id,
			pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, customer_lat, customer_lon,
			fee_amount, fee_currency, delivery_mode, history, created_at, updated_at)
		VALUES($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		cp.ID, cp.Kind, cp.Status, cp.BuyerID, cp.SellerID, cp.RunnerID,
		cp.Pickup.Lat, cp.Pickup.Lon, cp.Dropoff.Lat, cp.Dropoff.Lon, custLat, custLon,
		cp.Fee.Amount, cp.Fee.Currency, cp.DeliveryMode, hist, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (p *PostgresStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return p.scanJob(p.db.QueryRowContext(ctx, selectJob+` WHERE id=$1`, jobID))
}

const selectJob = `
	SELECT id, kind, status, buyer_id, COALESCE(seller_id,''), COALESCE(runner_id,''),
		pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, customer_lat, customer_lon,
		fee_amount, fee_currency, delivery_mode, history, created_at, updated_at,
		assigned_at, completed_at
	FROM jobs`

type rowScanner interface{ Scan(dest ...any) error }

func (p *PostgresStore) scanJob(row rowScanner) (*models.Job, error) {
	var (
		j                  models.Job
		custLat, custLon   sql.NullFloat64
		hist               []byte
		assigned, complete sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Kind, &j.Status, &j.BuyerID, &j.SellerID, &j.RunnerID,
		&j.Pickup.Lat, &j.Pickup.Lon, &j.Dropoff.Lat, &j.Dropoff.Lon, &custLat, &custLon,
		&j.Fee.Amount, &j.Fee.Currency, &j.DeliveryMode, &hist, &j.CreatedAt, &j.UpdatedAt,
		&assigned, &complete)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if custLat.Valid && custLon.Valid {
		j.CustomerLoc = &models.GeoPoint{Lat: custLat.Float64, Lon: custLon.Float64}
	}
	if assigned.Valid {
		t := assigned.Time
		j.AssignedAt = &t
	}
	if complete.Valid {
		t := complete.Time
		j.CompletedAt = &t
	}
	if err := json.Unmarshal(hist, &j.History); err != nil {
		return nil, fmt.Errorf("decode history for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (p *PostgresStore) ConditionalUpdate(ctx context.Context, jobID string, expect Expect, upd Update) (*models.Job, error) {
	set := []string{"updated_at=now()"}
	args := []any{jobID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if upd.Status != nil {
		set = append(set, "status="+arg(*upd.Status))
	}
	if upd.RunnerID != nil {
		set = append(set, "runner_id=NULLIF("+arg(*upd.RunnerID)+",'')")
	}
	if upd.CustomerLoc != nil {
		set = append(set, "customer_lat="+arg(upd.CustomerLoc.Lat), "customer_lon="+arg(upd.CustomerLoc.Lon))
	}
	if upd.AssignedAt != nil {
		set = append(set, "assigned_at="+arg(*upd.AssignedAt))
	}
	if upd.CompletedAt != nil {
		set = append(set, "completed_at="+arg(*upd.CompletedAt))
	}
	if upd.AppendHistory != nil {
		entry, err := json.Marshal(upd.AppendHistory)
		if err != nil {
			return nil, err
		}
		set = append(set, "history = history || "+arg(string(entry))+"::jsonb")
	}
	where := "id=$1"
	if expect.Status != nil {
		where += " AND status=" + arg(*expect.Status)
	}
	if expect.RunnerID != nil {
		if *expect.RunnerID == "" {
			where += " AND runner_id IS NULL"
		} else {
			where += " AND runner_id=" + arg(*expect.RunnerID)
		}
	}
	q := "UPDATE jobs SET " + strings.Join(set, ", ") + " WHERE " + where
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// distinguish a missing document from a lost race
		if _, err := p.Get(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, ErrPreconditionFailed
	}
	return p.Get(ctx, jobID)
}

// Subscribe polls updated_at. Plain database/sql has no push channel; the
// cadence is good enough for the authoritative (slow) path, the fast path
// rides the pub/sub bus.
func (p *PostgresStore) Subscribe(ctx context.Context, jobID string) (<-chan *models.Job, func(), error) {
	ch := make(chan *models.Job, 16)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		var lastSeen time.Time
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				j, err := p.Get(ctx, jobID)
				if err != nil {
					continue
				}
				if j.UpdatedAt.After(lastSeen) {
					lastSeen = j.UpdatedAt
					select {
					case ch <- j:
					default:
					}
				}
			}
		}
	}()
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }
	return ch, cancel, nil
}
