// Package worker holds the background jobs: stock replenishment, stuck-lease
// recovery, and the alert monitors. Jobs are scheduled through the Registry
// and can also be fired on demand from the jobs API.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/clickstock/internal/config"
	"github.com/ignite/clickstock/internal/pkg/distlock"
	"github.com/ignite/clickstock/internal/pkg/logger"
	"github.com/ignite/clickstock/internal/service/produce"
)

// ErrAlreadyRunning means another replenishment holds the lock for the same
// campaign. Callers treat it as "nothing to do", the jobs API maps it to 409.
var ErrAlreadyRunning = errors.New("replenish already running for campaign")

// Producer stocks new pool items. *produce.Producer satisfies it.
type Producer interface {
	ProduceBatch(ctx context.Context, tenantID, campaignID string, count int) (*produce.BatchResult, error)
}

type target struct {
	tenantID   string
	campaignID string
}

// Replenisher keeps campaign pools stocked. A cron sweep expires stale items
// and tops up every active campaign below the low watermark; TriggerAsync
// queues a single campaign the moment an assignment drains its pool.
type Replenisher struct {
	db       *sql.DB
	producer Producer
	redis    *redis.Client
	cfg      config.ReplenishConfig

	queue  chan target
	active *xsync.Map[string, struct{}]
}

// NewReplenisher wires a replenisher. redisClient may be nil; cross-host
// locking then falls back to PG advisory locks.
func NewReplenisher(db *sql.DB, producer Producer, redisClient *redis.Client, cfg config.ReplenishConfig) *Replenisher {
	return &Replenisher{
		db:       db,
		producer: producer,
		redis:    redisClient,
		cfg:      cfg,
		queue:    make(chan target, cfg.QueueSize),
		active:   xsync.NewMap[string, struct{}](),
	}
}

// TriggerAsync queues a campaign for immediate replenishment. It never
// blocks: when the queue is full the campaign waits for the next sweep.
func (r *Replenisher) TriggerAsync(tenantID, campaignID string) {
	select {
	case r.queue <- target{tenantID: tenantID, campaignID: campaignID}:
	default:
		log.Printf("[Replenisher] trigger queue full, deferring tenant=%s campaign=%s to next sweep", tenantID, campaignID)
	}
}

// QueueDepth reports how many triggers are waiting for the consumer.
func (r *Replenisher) QueueDepth() int { return len(r.queue) }

// Start consumes queued triggers until ctx is cancelled. Run it in its own
// goroutine.
func (r *Replenisher) Start(ctx context.Context) {
	log.Println("[Replenisher] trigger consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Println("[Replenisher] trigger consumer stopped")
			return
		case t := <-r.queue:
			opCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if _, err := r.ReplenishCampaign(opCtx, t.tenantID, t.campaignID, false); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				log.Printf("[Replenisher] triggered replenish failed tenant=%s campaign=%s: %v", t.tenantID, t.campaignID, err)
			}
			cancel()
		}
	}
}

// Sweep is the cron entry point: expire stale stock, find every active
// campaign below the low watermark, top each up concurrently.
func (r *Replenisher) Sweep(ctx context.Context) error {
	start := time.Now()

	expired, err := r.expireStaleStock(ctx)
	if err != nil {
		return fmt.Errorf("expire stale stock: %w", err)
	}
	if expired > 0 {
		log.Printf("[Replenisher] expired %d stale pool items", expired)
	}

	low, err := r.campaignsBelowWatermark(ctx)
	if err != nil {
		return fmt.Errorf("scan watermarks: %w", err)
	}
	if len(low) == 0 {
		return nil
	}
	log.Printf("[Replenisher] sweep found %d campaigns below watermark", len(low))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.CampaignConcurrency)
	for _, t := range low {
		t := t
		g.Go(func() error {
			// Per-campaign failures are logged, not fatal: one broken
			// affiliate link must not starve every other campaign.
			if _, err := r.ReplenishCampaign(gctx, t.tenantID, t.campaignID, false); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				log.Printf("[Replenisher] sweep replenish failed tenant=%s campaign=%s: %v", t.tenantID, t.campaignID, err)
			}
			return nil
		})
	}
	err = g.Wait()

	logger.Info("replenish sweep complete",
		"expired", expired,
		"below_watermark", len(low),
		"duration", time.Since(start).Round(time.Millisecond))
	return err
}

// ReplenishCampaign tops up one campaign to the configured batch size,
// returning how many items were stocked. It holds an in-process guard and a
// cross-host lock for the duration, so concurrent triggers, sweeps, and
// manual jobs never double-produce. force skips the watermark check.
func (r *Replenisher) ReplenishCampaign(ctx context.Context, tenantID, campaignID string, force bool) (int, error) {
	key := tenantID + "/" + campaignID
	if _, loaded := r.active.LoadOrStore(key, struct{}{}); loaded {
		return 0, ErrAlreadyRunning
	}
	defer r.active.Delete(key)

	lock := distlock.NewLock(r.redis, r.db, "replenish:"+key, r.cfg.LockTTL())
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire replenish lock: %w", err)
	}
	if !ok {
		return 0, ErrAlreadyRunning
	}
	defer func() {
		// The caller's ctx may already be done; release on a fresh one.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil {
			log.Printf("[Replenisher] lock release failed key=%s: %v", key, err)
		}
	}()

	available, err := r.countAvailable(ctx, tenantID, campaignID)
	if err != nil {
		return 0, fmt.Errorf("count available: %w", err)
	}
	if !force && available >= r.cfg.LowWatermark {
		return 0, nil
	}
	need := r.cfg.BatchSize - available
	if need <= 0 {
		return 0, nil
	}

	res, err := r.producer.ProduceBatch(ctx, tenantID, campaignID, need)
	if err != nil {
		return 0, err
	}
	if res.Produced < need {
		log.Printf("[Replenisher] short production tenant=%s campaign=%s produced=%d/%d exhausted=%v err=%s",
			tenantID, campaignID, res.Produced, need, res.Exhausted, res.LastError)
	} else {
		log.Printf("[Replenisher] stocked %d items tenant=%s campaign=%s", res.Produced, tenantID, campaignID)
	}
	return res.Produced, nil
}

// expireStaleStock fails available items older than the suffix TTL.
// Affiliate landing parameters go stale; leasing them wastes a window.
func (r *Replenisher) expireStaleStock(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE pool_items
		SET status = 'failed'
		WHERE status = 'available'
		  AND created_at < NOW() - $1::interval
		  AND deleted_at IS NULL
	`, r.cfg.SuffixTTL().String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Replenisher) campaignsBelowWatermark(ctx context.Context) ([]target, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT m.tenant_id, m.campaign_id
		FROM campaign_meta m
		LEFT JOIN pool_items p
		  ON p.tenant_id = m.tenant_id
		 AND p.campaign_id = m.campaign_id
		 AND p.status = 'available'
		 AND p.deleted_at IS NULL
		WHERE m.status = 'active' AND m.deleted_at IS NULL
		GROUP BY m.tenant_id, m.campaign_id
		HAVING COUNT(p.id) < $1
	`, r.cfg.LowWatermark)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.tenantID, &t.campaignID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Replenisher) countAvailable(ctx context.Context, tenantID, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pool_items
		WHERE tenant_id = $1 AND campaign_id = $2
		  AND status = 'available' AND deleted_at IS NULL
	`, tenantID, campaignID).Scan(&n)
	return n, err
}
