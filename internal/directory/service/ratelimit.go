package service

import (
	"context"
	"fmt"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
	"go.uber.org/zap"
)

// Action names a rate-limited operation class.
type Action string

const (
	ActionRegister   Action = "register"
	ActionMessage    Action = "message"
	ActionChat       Action = "chat"
	ActionJobCreate  Action = "job_create"
	ActionJobAttempt Action = "job_attempt"
	ActionGuestbook  Action = "guestbook"
	ActionVote       Action = "vote"
	ActionReport     Action = "report"
)

// hourlyCaps maps each action to its per-tier hourly allowance, indexed by
// tier 0-5. Zero means the action is not available at that tier.
var hourlyCaps = map[Action][6]int{
	ActionRegister:   {3, 3, 3, 3, 3, 100},
	ActionMessage:    {0, 10, 30, 60, 100, 1000},
	ActionChat:       {0, 20, 60, 120, 200, 1000},
	ActionJobCreate:  {0, 0, 2, 5, 10, 100},
	ActionJobAttempt: {0, 5, 15, 30, 50, 500},
	ActionGuestbook:  {3, 5, 15, 30, 50, 500},
	ActionVote:       {0, 0, 10, 30, 50, 500},
	ActionReport:     {0, 1, 3, 5, 10, 100},
}

// ChatMinInterval is the per-agent minimum spacing between chat posts.
const ChatMinInterval = 3 * time.Second

// ErrRateLimited is returned when a window cap is exhausted. Handlers map it
// to 429 with the retry window.
type ErrRateLimited struct {
	Action     Action
	Limit      int
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit for %s exhausted (%d/hour)", e.Action, e.Limit)
}

// limitCounter is the persistence surface for fixed-window counting.
// *repository.RateLimitRepository satisfies this interface.
type limitCounter interface {
	Increment(ctx context.Context, subject, action string, now time.Time) (int, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateLimitService enforces per-tier hourly caps. Counters live in Postgres
// so limits hold across restarts and replicas; unauthenticated actions count
// against the caller's IP at tier 0.
type RateLimitService struct {
	counters limitCounter
	logger   *zap.Logger
}

// NewRateLimitService creates a RateLimitService.
func NewRateLimitService(counters limitCounter, logger *zap.Logger) *RateLimitService {
	return &RateLimitService{counters: counters, logger: logger}
}

// Allow counts one occurrence of the action for the subject at the given
// tier and returns ErrRateLimited once the hourly cap is exceeded. The
// count-then-check order means the denied request still burned a slot,
// which keeps the counter monotone under concurrency.
func (s *RateLimitService) Allow(ctx context.Context, subject string, action Action, tier model.Tier) error {
	caps, ok := hourlyCaps[action]
	if !ok {
		return fmt.Errorf("unknown rate limit action %q", action)
	}
	if tier < 0 || int(tier) >= len(caps) {
		tier = model.TierUnverified
	}
	limit := caps[tier]
	if limit == 0 {
		return &ErrRateLimited{Action: action, Limit: 0, RetryAfter: 0}
	}

	now := time.Now().UTC()
	count, err := s.counters.Increment(ctx, subject, string(action), now)
	if err != nil {
		// Fail open: a storage blip should not lock the platform.
		s.logger.Error("rate limit increment failed, allowing", zap.Error(err),
			zap.String("action", string(action)))
		return nil
	}
	if count > limit {
		retry := now.Truncate(time.Hour).Add(time.Hour).Sub(now)
		return &ErrRateLimited{Action: action, Limit: limit, RetryAfter: retry}
	}
	return nil
}

// AllowIP counts an unauthenticated action against the caller's IP.
func (s *RateLimitService) AllowIP(ctx context.Context, ip string, action Action) error {
	return s.Allow(ctx, "ip:"+ip, action, model.TierUnverified)
}

// Purge drops counter windows older than two hours. Called by the sweeper.
func (s *RateLimitService) Purge(ctx context.Context) (int64, error) {
	return s.counters.PurgeBefore(ctx, time.Now().UTC().Add(-2*time.Hour))
}
