package sa

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/letsencrypt/chocolate/cmd"
	"github.com/letsencrypt/chocolate/config"
)

// Config contains what is needed to reach the redis instance holding
// session state.
type Config struct {
	// Addr is the host:port of the redis instance.
	Addr string `validate:"required,hostname_port"`

	// Username used to authenticate to redis, if any.
	Username string

	// PasswordFile is the path to a file holding the redis password. It
	// lives outside the main config so the config can be world-readable.
	PasswordFile cmd.PasswordConfig

	// Timeout is the per-operation timeout applied by the storage
	// authority. Defaults to 5 seconds if unset.
	Timeout config.Duration `validate:"-"`

	// MaxRetries is the number of times to retry a failed command.
	// Default is to not retry.
	MaxRetries int `validate:"min=0"`

	// DialTimeout bounds establishing new connections.
	DialTimeout config.Duration `validate:"-"`
	// ReadTimeout bounds socket reads.
	ReadTimeout config.Duration `validate:"-"`
	// WriteTimeout bounds socket writes.
	WriteTimeout config.Duration `validate:"-"`

	// PoolSize is the maximum number of socket connections.
	PoolSize int `validate:"min=0"`
	// MinIdleConns keeps connections warm when dialing is slow.
	MinIdleConns int `validate:"min=0"`
}

// NewClient returns a redis client for the configured instance.
func (c *Config) NewClient() (*redis.Client, error) {
	password, err := c.PasswordFile.Pass()
	if err != nil {
		return nil, fmt.Errorf("loading redis password: %w", err)
	}

	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Username: c.Username,
		Password: password,

		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout.Duration,
		ReadTimeout:  c.ReadTimeout.Duration,
		WriteTimeout: c.WriteTimeout.Duration,

		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}), nil
}
