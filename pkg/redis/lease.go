package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Renew when another owner holds the lease.
var ErrLeaseLost = errors.New("lease lost")

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is an owner-tagged key with a TTL. Only the owner can renew or
// release it.
type Lease struct {
	client *Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewLease prepares a lease on key. The owner token is random per process.
func (c *Client) NewLease(key string, ttl time.Duration) *Lease {
	return &Lease{client: c, key: "lease:" + key, owner: uuid.NewString(), ttl: ttl}
}

func (l *Lease) Key() string   { return l.key }
func (l *Lease) Owner() string { return l.owner }
func (l *Lease) TTL() time.Duration {
	return l.ttl
}

// Acquire takes the lease if nobody holds it. It reports whether this owner
// now holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Renew extends the TTL. It fails with ErrLeaseLost if the key expired or was
// taken by another owner.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renewing lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("renewing lease %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}

// Release deletes the lease if this owner still holds it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.owner).Int64(); err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.key, err)
	}
	return nil
}
