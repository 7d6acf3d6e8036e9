package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chiscode/orchestrator/internal/models"
)

// QuotaSource tracks per-session daily usage counters. Implementations must
// make IncrementAndGet atomic so concurrent submissions cannot both land on
// the last allowed slot.
type QuotaSource interface {
	// IncrementAndGet bumps the counter for (sessionID, day) and returns the
	// new value. day is a UTC date in YYYY-MM-DD form.
	IncrementAndGet(ctx context.Context, sessionID, day string) (int, error)
}

// QuotaGuard admits or denies new generation requests against the tier's
// daily allowance. Counting is increment-then-check: a denied request still
// bumps the counter, but past the limit that can never steal an allowed slot.
type QuotaGuard struct {
	source QuotaSource
	limits map[models.Tier]int
	now    func() time.Time
	tracer trace.Tracer
}

// NewQuotaGuard creates a guard with the given per-tier daily limits.
func NewQuotaGuard(source QuotaSource, free, basic, pro int) *QuotaGuard {
	return &QuotaGuard{
		source: source,
		limits: map[models.Tier]int{
			models.TierFree:  free,
			models.TierBasic: basic,
			models.TierPro:   pro,
		},
		now:    time.Now,
		tracer: otel.Tracer("quota-guard"),
	}
}

// Admit consumes one slot of the session's daily allowance, or returns
// QuotaExceededError when the tier's limit is already spent. The window is a
// UTC calendar day; counters reset implicitly when the date changes.
func (g *QuotaGuard) Admit(ctx context.Context, sessionID string, tier models.Tier) error {
	ctx, span := g.tracer.Start(ctx, "quota.admit")
	defer span.End()

	limit, ok := g.limits[tier]
	if !ok {
		limit = g.limits[models.TierFree]
	}

	now := g.now().UTC()
	day := now.Format("2006-01-02")

	used, err := g.source.IncrementAndGet(ctx, sessionID, day)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("quota check failed: %w", err)
	}

	span.SetAttributes(
		attribute.String("quota.tier", string(tier)),
		attribute.Int("quota.used", used),
		attribute.Int("quota.limit", limit),
	)

	if used > limit {
		resetAt := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		return &models.QuotaExceededError{
			Tier:    tier,
			Limit:   limit,
			Used:    limit,
			ResetAt: resetAt,
		}
	}
	return nil
}

// MemoryQuotaSource keeps usage counters in process memory. Counters for past
// days are pruned lazily whenever the date rolls over.
type MemoryQuotaSource struct {
	mu       sync.Mutex
	day      string
	counters map[string]int
}

// NewMemoryQuotaSource creates an empty in-memory counter set.
func NewMemoryQuotaSource() *MemoryQuotaSource {
	return &MemoryQuotaSource{
		counters: make(map[string]int),
	}
}

// IncrementAndGet implements QuotaSource.
func (m *MemoryQuotaSource) IncrementAndGet(_ context.Context, sessionID, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.day != day {
		m.day = day
		m.counters = make(map[string]int)
	}

	m.counters[sessionID]++
	return m.counters[sessionID], nil
}
