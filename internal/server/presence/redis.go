package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// The scripts touch user sets whose names are built from ARGV, so every
// presence key carries the same hash tag and lands in one Redis Cluster slot.
const (
	keyTag     = "{presence}"
	connPrefix = keyTag + ":conn:"
	userPrefix = keyTag + ":user:"
)

// addScript moves the connection away from a previous owner, adds it to the
// user's set and returns 1 when it is the only member.
var addScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
if prev and prev ~= ARGV[1] then
	redis.call('SREM', ARGV[2] .. prev, ARGV[3])
end
redis.call('SET', KEYS[1], ARGV[1])
local added = redis.call('SADD', ARGV[2] .. ARGV[1], ARGV[3])
if added == 1 and redis.call('SCARD', ARGV[2] .. ARGV[1]) == 1 then
	return 1
end
return 0
`)

// removeScript drops the connection and returns {userID, last}.
var removeScript = redis.NewScript(`
local user = redis.call('GET', KEYS[1])
if not user then
	return {'', 0}
end
redis.call('DEL', KEYS[1])
local key = ARGV[1] .. user
redis.call('SREM', key, ARGV[2])
if redis.call('SCARD', key) == 0 then
	return {user, 1}
end
return {user, 0}
`)

// Redis is a Registry shared by every server instance pointed at the same
// Redis database. Add and Remove run as scripts so the first/last decision
// is made atomically across instances.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Add(ctx context.Context, connID, userID string) (bool, error) {
	n, err := addScript.Run(ctx, r.client,
		[]string{connPrefix + connID}, userID, userPrefix, connID).Int()
	if err != nil {
		return false, fmt.Errorf("presence add: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Remove(ctx context.Context, connID string) (string, bool, error) {
	res, err := removeScript.Run(ctx, r.client,
		[]string{connPrefix + connID}, userPrefix, connID).Slice()
	if err != nil {
		return "", false, fmt.Errorf("presence remove: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("presence remove: unexpected reply %v", res)
	}
	userID, _ := res[0].(string)
	last, _ := res[1].(int64)
	return userID, last == 1, nil
}

func (r *Redis) Lookup(ctx context.Context, connID string) (string, error) {
	userID, err := r.client.Get(ctx, connPrefix+connID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrUnknownConnection
		}
		return "", fmt.Errorf("presence lookup: %w", err)
	}
	return userID, nil
}

func (r *Redis) Online(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.SCard(ctx, userPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence online: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Connections(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, userPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence connections: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
