package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// hapus key hanya kalau token masih milik kita
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker gives best-effort single-flight across instances (e.g. one sweeper
// pass at a time). Correctness never depends on it; row locks do that.
type Locker struct{ R *redis.Client }

// TryLock returns ok=false when another holder has the lock.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	key := fmt.Sprintf(KeyLock, name)
	token := uuid.NewString()
	ok, err = l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.R, []string{key}, token).Err()
	}, true, nil
}
