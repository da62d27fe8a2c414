// Package search orchestrates a reverse-image search request across
// the resilience layers: URL validation, per-caller quotas, in-flight
// deduplication, the provider circuit breaker, and the result cache.
package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pictrace/pictrace/breaker"
	"github.com/pictrace/pictrace/dedup"
	"github.com/pictrace/pictrace/fault"
	"github.com/pictrace/pictrace/kit"
	"github.com/pictrace/pictrace/kv"
	"github.com/pictrace/pictrace/provider"
	"github.com/pictrace/pictrace/ratelimit"
	"github.com/pictrace/pictrace/rescache"
	"github.com/pictrace/pictrace/safeurl"
)

// Task lifecycle states as reported to callers.
const (
	StatusReady   = "ready"
	StatusPending = "pending"
)

// Provider is the slice of the upstream client the service needs.
type Provider interface {
	Submit(ctx context.Context, imageURL string) (*provider.Submission, error)
	Fetch(ctx context.Context, taskID string) (*provider.Fetched, error)
}

// Request is a single search submission.
type Request struct {
	ImageURL    string `json:"image_url"`
	ContentHash string `json:"content_hash,omitempty"`
	CallerID    string `json:"caller_id,omitempty"`
}

// Result is the outcome of a search or a task-status poll.
type Result struct {
	TaskID   string                  `json:"task_id"`
	Status   string                  `json:"status"`
	CheckURL string                  `json:"check_url,omitempty"`
	Results  []provider.SearchResult `json:"results"`
	Cached   bool                    `json:"cached,omitempty"`
}

// Service wires the resilience layers around the provider.
type Service struct {
	store      kv.Store
	client     Provider
	limiter    *ratelimit.Limiter
	group      *dedup.Group[*Result]
	brk        *breaker.Breaker
	dailyLimit int
	resultTTL  time.Duration
	taskTTL    time.Duration
	log        *slog.Logger
}

// ServiceOption adjusts a Service.
type ServiceOption func(*Service)

// WithDailyLimit sets the per-caller daily search quota.
func WithDailyLimit(n int) ServiceOption {
	return func(s *Service) { s.dailyLimit = n }
}

// WithTTLs sets the result and task-mapping cache lifetimes.
func WithTTLs(result, task time.Duration) ServiceOption {
	return func(s *Service) {
		s.resultTTL = result
		s.taskTTL = task
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *breaker.Breaker) ServiceOption {
	return func(s *Service) { s.brk = b }
}

// WithLimiter replaces the default rate limiter.
func WithLimiter(l *ratelimit.Limiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

// WithGroup replaces the default dedup group.
func WithGroup(g *dedup.Group[*Result]) ServiceOption {
	return func(s *Service) { s.group = g }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// NewService builds a Service over the given store and provider client.
func NewService(store kv.Store, client Provider, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		client:     client,
		limiter:    ratelimit.New(),
		group:      dedup.New[*Result](),
		brk:        breaker.New("image-search-provider"),
		dailyLimit: 100,
		resultTTL:  rescache.DefaultResultTTL,
		taskTTL:    rescache.DefaultTaskTTL,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Breaker exposes the provider circuit breaker for status reporting.
func (s *Service) Breaker() *breaker.Breaker { return s.brk }

// InFlight reports how many dedup entries are currently tracked.
func (s *Service) InFlight() int { return s.group.Len() }

// Search validates, rate-limits, deduplicates, and submits a search.
// Cached results are served without touching the provider or the
// caller's quota for duplicate work already in flight.
func (s *Service) Search(ctx context.Context, req Request) (*Result, error) {
	canonical, err := safeurl.Validate(req.ImageURL)
	if err != nil {
		return nil, &fault.Validation{Field: "image_url", Reason: validationReason(err)}
	}

	caller := req.CallerID
	if caller == "" {
		caller = kit.GetClientIP(ctx)
	}
	if caller == "" {
		caller = "anonymous"
	}

	quota, err := s.limiter.Check(ctx, s.store, caller, s.dailyLimit, "search")
	if err != nil {
		// Quota accounting must not take the whole service down with
		// it. Fail open and let the breaker protect the provider.
		s.log.Warn("rate limit check failed, allowing request",
			"caller", caller, "error", err)
	} else if !quota.Allowed {
		return nil, &fault.RateLimit{
			Limit:     quota.Limit,
			Remaining: quota.Remaining,
			ResetAt:   quota.ResetAt,
		}
	}

	key := rescache.BuildKey(canonical, req.ContentHash)

	if cached, err := rescache.Get(ctx, s.store, key); err != nil {
		s.log.Warn("cache read failed, treating as miss", "key", string(key), "error", err)
	} else if cached != nil {
		return &Result{
			TaskID:   cached.TaskID,
			Status:   StatusReady,
			CheckURL: cached.CheckURL,
			Results:  cached.Results,
			Cached:   true,
		}, nil
	}

	return s.group.Do(ctx, string(key), func(ctx context.Context) (*Result, error) {
		return breaker.Execute(ctx, s.brk, func(ctx context.Context) (*Result, error) {
			return s.submit(ctx, canonical, key)
		})
	})
}

func (s *Service) submit(ctx context.Context, imageURL string, key rescache.Key) (*Result, error) {
	sub, err := s.client.Submit(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	if err := rescache.MapTask(ctx, s.store, sub.TaskID, key, s.taskTTL); err != nil {
		s.log.Warn("task mapping write failed", "task_id", sub.TaskID, "error", err)
	}

	res := &Result{
		TaskID:   sub.TaskID,
		Status:   StatusPending,
		CheckURL: sub.CheckURL,
		Results:  sub.Results,
	}
	if len(sub.Results) > 0 {
		res.Status = StatusReady
		s.cacheResult(ctx, key, res)
	}
	return res, nil
}

// TaskStatus polls a previously submitted task. Ready results are
// written through to the cache so later searches for the same image
// skip the provider entirely.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (*Result, error) {
	if taskID == "" {
		return nil, &fault.Validation{Field: "task_id", Reason: "must not be empty"}
	}

	key, err := rescache.ResolveTask(ctx, s.store, taskID)
	if err != nil {
		s.log.Warn("task mapping read failed", "task_id", taskID, "error", err)
		key = ""
	}

	if key != "" {
		if cached, err := rescache.Get(ctx, s.store, key); err == nil && cached != nil {
			return &Result{
				TaskID:   taskID,
				Status:   StatusReady,
				CheckURL: cached.CheckURL,
				Results:  cached.Results,
				Cached:   true,
			}, nil
		}
	}

	return breaker.Execute(ctx, s.brk, func(ctx context.Context) (*Result, error) {
		fetched, err := s.client.Fetch(ctx, taskID)
		if err != nil {
			return nil, err
		}
		res := &Result{
			TaskID:   taskID,
			Status:   StatusPending,
			CheckURL: fetched.CheckURL,
			Results:  fetched.Results,
		}
		if fetched.Ready {
			res.Status = StatusReady
			if key != "" {
				s.cacheResult(ctx, key, res)
			}
		}
		return res, nil
	})
}

func (s *Service) cacheResult(ctx context.Context, key rescache.Key, res *Result) {
	entry := &rescache.CachedResult{
		TaskID:   res.TaskID,
		CheckURL: res.CheckURL,
		CachedAt: time.Now().UTC(),
		Results:  res.Results,
	}
	if err := rescache.Put(ctx, s.store, key, entry, s.resultTTL); err != nil {
		s.log.Warn("cache write failed", "key", string(key), "error", err)
	}
}

// validationReason maps a safeurl sentinel to the public reason string.
// The offending URL itself never appears here.
func validationReason(err error) string {
	switch {
	case errors.Is(err, safeurl.ErrTooLong):
		return "URL exceeds maximum length"
	case errors.Is(err, safeurl.ErrNotHTTPS):
		return "URL must use https"
	case errors.Is(err, safeurl.ErrCredentials):
		return "URL must not embed credentials"
	case errors.Is(err, safeurl.ErrEmptyHost):
		return "URL has no hostname"
	case errors.Is(err, safeurl.ErrBlockedHost):
		return "hostname is not allowed"
	case errors.Is(err, safeurl.ErrPrivateAddress):
		return "address is not allowed"
	case errors.Is(err, safeurl.ErrMetadataEndpoint):
		return "address is not allowed"
	default:
		return "URL is malformed"
	}
}
