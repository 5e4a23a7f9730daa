package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrRequestInFlight = errors.New("a request with this idempotency key is still being processed")

const pendingPrefix = "pending:"

// StoredResponse is what a completed request leaves behind for replays.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// IdempotencyStore remembers the outcome of requests by key. A key is first
// claimed with a pending token, then either completed with the response or
// released so the request can be retried.
type IdempotencyStore struct {
	client     *redis.Client
	pendingTTL time.Duration
	resultTTL  time.Duration
}

func NewIdempotencyStore(client *redis.Client, pendingTTL, resultTTL time.Duration) *IdempotencyStore {
	if pendingTTL <= 0 {
		pendingTTL = 30 * time.Second
	}
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, pendingTTL: pendingTTL, resultTTL: resultTTL}
}

func redisKey(key string) string {
	return "idem:" + key
}

// Begin claims key. It returns a token when the caller should process the
// request, a stored response when the request already completed, or
// ErrRequestInFlight when another attempt holds the claim.
func (s *IdempotencyStore) Begin(ctx context.Context, key string) (string, *StoredResponse, error) {
	k := redisKey(key)
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, k, pendingPrefix+token, s.pendingTTL).Result()
	if err != nil {
		return "", nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return token, nil, nil
	}

	val, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// claim expired between SETNX and GET
		return "", nil, ErrRequestInFlight
	}
	if err != nil {
		return "", nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if strings.HasPrefix(val, pendingPrefix) {
		return "", nil, ErrRequestInFlight
	}

	var resp StoredResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return "", nil, fmt.Errorf("decode stored response: %w", err)
	}
	return "", &resp, nil
}

var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  return 0
end
`)

// Complete stores resp under key if token still owns the claim.
func (s *IdempotencyStore) Complete(ctx context.Context, key, token string, resp StoredResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode stored response: %w", err)
	}
	_, err = completeScript.Run(ctx, s.client, []string{redisKey(key)},
		pendingPrefix+token, string(data), s.resultTTL.Milliseconds()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Release drops the claim so that a retry with the same key runs again.
func (s *IdempotencyStore) Release(ctx context.Context, key, token string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{redisKey(key)}, pendingPrefix+token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
