package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces tracker keys
const DefaultRedisPrefix = "ocr:idem"

// Each script runs atomically on the server; that is the test-and-set.
var (
	beginScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'completed' and ARGV[1] ~= '1' then
  return {'already_done', redis.call('HGET', KEYS[1], 'result_ref') or ''}
end
if state == 'in_progress' then
  local expires = tonumber(redis.call('HGET', KEYS[1], 'lease_expires_at') or '0')
  if expires > tonumber(ARGV[2]) then
    return {'already_in_progress', redis.call('HGET', KEYS[1], 'owner') or ''}
  end
end
redis.call('HSET', KEYS[1],
  'job_id', ARGV[5], 'state', 'in_progress', 'owner', ARGV[3],
  'started_at', ARGV[2], 'lease_expires_at', ARGV[4],
  'finished_at', '', 'error_kind', '', 'error_message', '')
redis.call('PERSIST', KEYS[1])
return {'proceed', ''}
`)

	extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'in_progress' and redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[2])
  return 1
end
return 0
`)

	finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'in_progress' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1],
  'state', ARGV[2], 'error_kind', ARGV[4], 'error_message', ARGV[5], 'finished_at', ARGV[6])
if ARGV[2] == 'completed' then
  redis.call('HSET', KEYS[1], 'result_ref', ARGV[3])
end
if tonumber(ARGV[7]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[7])
end
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'in_progress' and redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisTracker stores one hash per job id
type RedisTracker struct {
	client    redis.Cmdable
	prefix    string
	recordTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// RedisOption configures a RedisTracker
type RedisOption func(*RedisTracker)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisTracker) {
		r.prefix = prefix
	}
}

// WithRecordTTL expires terminal records after ttl; zero keeps them forever
func WithRecordTTL(ttl time.Duration) RedisOption {
	return func(r *RedisTracker) {
		r.recordTTL = ttl
	}
}

// WithRedisClock overrides time.Now
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisTracker) {
		r.now = now
	}
}

// NewRedisTracker creates a tracker on client
func NewRedisTracker(client redis.Cmdable, logger *slog.Logger, opts ...RedisOption) *RedisTracker {
	r := &RedisTracker{
		client: client,
		prefix: DefaultRedisPrefix,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisTracker) key(jobID string) string {
	return r.prefix + ":" + jobID
}

func (r *RedisTracker) TryBegin(ctx context.Context, jobID string, opts BeginOptions) (BeginResult, error) {
	now := r.now()
	force := "0"
	if opts.Force {
		force = "1"
	}

	out, err := beginScript.Run(ctx, r.client, []string{r.key(jobID)},
		force,
		now.UnixMilli(),
		opts.Owner,
		now.Add(opts.lease()).UnixMilli(),
		jobID,
	).StringSlice()
	if err != nil {
		return BeginResult{}, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, jobID, err)
	}
	if len(out) != 2 {
		return BeginResult{}, fmt.Errorf("%w: claim %s: unexpected reply %v", ErrUnavailable, jobID, out)
	}

	switch Outcome(out[0]) {
	case AlreadyDone:
		return BeginResult{Outcome: AlreadyDone, ResultRef: out[1]}, nil
	case AlreadyInProgress:
		return BeginResult{Outcome: AlreadyInProgress, Owner: out[1]}, nil
	default:
		r.logger.Debug("Job claimed",
			slog.String("job_id", jobID),
			slog.String("owner", opts.Owner),
		)
		return BeginResult{Outcome: Proceed}, nil
	}
}

func (r *RedisTracker) Extend(ctx context.Context, jobID, owner string, lease time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.key(jobID)},
		owner, r.now().Add(lease).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: extend %s: %v", ErrUnavailable, jobID, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *RedisTracker) Complete(ctx context.Context, jobID, owner, resultRef string) error {
	return r.finish(ctx, jobID, owner, StateCompleted, resultRef, "", "")
}

func (r *RedisTracker) Fail(ctx context.Context, jobID, owner string, kind domain.ErrorKind, message string) error {
	return r.finish(ctx, jobID, owner, StateFailed, "", kind, message)
}

func (r *RedisTracker) finish(ctx context.Context, jobID, owner string, state State, resultRef string, kind domain.ErrorKind, message string) error {
	n, err := finishScript.Run(ctx, r.client, []string{r.key(jobID)},
		owner,
		string(state),
		resultRef,
		string(kind),
		message,
		r.now().UnixMilli(),
		r.recordTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: finish %s: %v", ErrUnavailable, jobID, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *RedisTracker) Release(ctx context.Context, jobID, owner string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key(jobID)}, owner).Int()
	if err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrUnavailable, jobID, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *RedisTracker) Get(ctx context.Context, jobID string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key(jobID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromHash(jobID, fields), nil
}

func recordFromHash(jobID string, fields map[string]string) *Record {
	rec := &Record{
		JobID:          jobID,
		State:          State(fields["state"]),
		ResultRef:      fields["result_ref"],
		Owner:          fields["owner"],
		ErrorKind:      domain.ErrorKind(fields["error_kind"]),
		ErrorMessage:   fields["error_message"],
		StartedAt:      parseMillis(fields["started_at"]),
		LeaseExpiresAt: parseMillis(fields["lease_expires_at"]),
	}
	if finished := parseMillis(fields["finished_at"]); !finished.IsZero() {
		rec.FinishedAt = &finished
	}
	return rec
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
