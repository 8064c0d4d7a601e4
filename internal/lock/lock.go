package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/clientportal/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const keyCheckoutSession = "portal:checkout:lock:%s"

var (
	ErrEmptyKey   = errors.New("lock key is empty")
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Locker hands out short-lived exclusive leases stored in redis. A nil Locker
// grants every lease, which is how the service runs without redis.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// Enabled reports whether leases are actually enforced.
func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

// TryLock acquires key for ttl. It returns the token needed to release the
// lease and false when someone else holds it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	if !l.Enabled() {
		return "", true, nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if !l.Enabled() || key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// CheckoutSessionKey scopes a lease to one payment.
func CheckoutSessionKey(paymentID string) string {
	return fmt.Sprintf(keyCheckoutSession, strings.TrimSpace(paymentID))
}

type clientParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
}

// NewClient returns nil when REDIS_ADDR is unset.
func NewClient(p clientParams) *redis.Client {
	addr := strings.TrimSpace(p.Cfg.RedisAddr)
	if addr == "" {
		p.Log.Named("lock").Info("redis not configured, checkout locks disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Cfg.RedisPassword),
		DB:       p.Cfg.RedisDB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

var Module = fx.Module("lock",
	fx.Provide(NewClient),
	fx.Provide(NewLocker),
)
