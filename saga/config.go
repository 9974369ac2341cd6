package saga

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Persistence selects where saga instances are stored
type Persistence int

const (
	// PersistenceInMemory is volatile and meant for development
	PersistenceInMemory Persistence = iota
	PersistenceRedis
	PersistenceSQL
	PersistenceMongoDB
)

func (p Persistence) String() string {
	switch p {
	case PersistenceInMemory:
		return "in-memory"
	case PersistenceRedis:
		return "redis"
	case PersistenceSQL:
		return "sql"
	case PersistenceMongoDB:
		return "mongodb"
	default:
		return "unknown"
	}
}

// Defaults used when an option is not supplied
const (
	DefaultExpiration           = 24 * time.Hour
	DefaultCompletedExpiration  = time.Hour
	DefaultTimeoutCheckInterval = time.Minute
	DefaultRedisKeyPrefix       = "mmate:saga"
	DefaultSQLTable             = "mmate_saga_instances"
)

// Configuration selects a persistence backend and retention for saga instances
type Configuration struct {
	Persistence Persistence

	// DefaultExpiration is how long an active instance survives without updates
	DefaultExpiration time.Duration
	// CompletedExpiration is how long a completed instance is kept
	CompletedExpiration time.Duration

	EnableTimeouts       bool
	TimeoutCheckInterval time.Duration

	Redis          redis.UniversalClient
	RedisKeyPrefix string

	SQL      Querier
	SQLTable string

	Mongo *mongo.Collection

	Logger *slog.Logger
	Clock  func() time.Time
}

// Option configures a saga Configuration
type Option func(*Configuration)

// UseInMemory stores instances in process memory
func UseInMemory() Option {
	return func(c *Configuration) {
		c.Persistence = PersistenceInMemory
	}
}

// UseRedis stores instances in Redis under keyPrefix
func UseRedis(client redis.UniversalClient, keyPrefix string) Option {
	return func(c *Configuration) {
		c.Persistence = PersistenceRedis
		c.Redis = client
		if keyPrefix != "" {
			c.RedisKeyPrefix = keyPrefix
		}
	}
}

// UseSQL stores instances in a PostgreSQL table through pgx
func UseSQL(db Querier, table string) Option {
	return func(c *Configuration) {
		c.Persistence = PersistenceSQL
		c.SQL = db
		if table != "" {
			c.SQLTable = table
		}
	}
}

// UseMongoDB stores instances in collection
func UseMongoDB(collection *mongo.Collection) Option {
	return func(c *Configuration) {
		c.Persistence = PersistenceMongoDB
		c.Mongo = collection
	}
}

// WithDefaultExpiration sets the retention of active instances
func WithDefaultExpiration(d time.Duration) Option {
	return func(c *Configuration) {
		c.DefaultExpiration = d
	}
}

// WithCompletedExpiration sets the retention of completed instances
func WithCompletedExpiration(d time.Duration) Option {
	return func(c *Configuration) {
		c.CompletedExpiration = d
	}
}

// WithTimeouts enables timeout delivery, checking every interval
func WithTimeouts(interval time.Duration) Option {
	return func(c *Configuration) {
		c.EnableTimeouts = true
		c.TimeoutCheckInterval = interval
	}
}

// WithoutTimeouts disables timeout delivery
func WithoutTimeouts() Option {
	return func(c *Configuration) {
		c.EnableTimeouts = false
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Configuration) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Configuration) {
		if now != nil {
			c.Clock = now
		}
	}
}

// HighAvailability keeps instances for a week and polls timeouts every 30 seconds
func HighAvailability() Option {
	return func(c *Configuration) {
		c.DefaultExpiration = 7 * 24 * time.Hour
		c.CompletedExpiration = 7 * 24 * time.Hour
		c.EnableTimeouts = true
		c.TimeoutCheckInterval = 30 * time.Second
	}
}

// ShortLived keeps active instances for an hour, completed ones for five
// minutes, and polls timeouts every 10 seconds
func ShortLived() Option {
	return func(c *Configuration) {
		c.DefaultExpiration = time.Hour
		c.CompletedExpiration = 5 * time.Minute
		c.EnableTimeouts = true
		c.TimeoutCheckInterval = 10 * time.Second
	}
}

// NewConfiguration applies options over the defaults and validates the result
func NewConfiguration(options ...Option) (*Configuration, error) {
	c := &Configuration{
		Persistence:          PersistenceInMemory,
		DefaultExpiration:    DefaultExpiration,
		CompletedExpiration:  DefaultCompletedExpiration,
		EnableTimeouts:       true,
		TimeoutCheckInterval: DefaultTimeoutCheckInterval,
		RedisKeyPrefix:       DefaultRedisKeyPrefix,
		SQLTable:             DefaultSQLTable,
		Logger:               slog.Default(),
		Clock:                time.Now,
	}

	for _, opt := range options {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports a backend selected without its handle or a bad interval
func (c *Configuration) Validate() error {
	switch {
	case c.DefaultExpiration < 0 || c.CompletedExpiration < 0:
		return fmt.Errorf("%w: expiration must not be negative", ErrInvalidConfiguration)
	case c.EnableTimeouts && c.TimeoutCheckInterval <= 0:
		return fmt.Errorf("%w: timeout check interval must be positive", ErrInvalidConfiguration)
	}

	switch c.Persistence {
	case PersistenceInMemory:
	case PersistenceRedis:
		if c.Redis == nil {
			return fmt.Errorf("%w: redis persistence requires a client", ErrInvalidConfiguration)
		}
	case PersistenceSQL:
		if c.SQL == nil {
			return fmt.Errorf("%w: sql persistence requires a database", ErrInvalidConfiguration)
		}
	case PersistenceMongoDB:
		if c.Mongo == nil {
			return fmt.Errorf("%w: mongodb persistence requires a collection", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown persistence %d", ErrInvalidConfiguration, c.Persistence)
	}
	return nil
}

// expires reports whether any instance can outlive its retention
func (c *Configuration) expires() bool {
	return c.DefaultExpiration > 0 || c.CompletedExpiration > 0
}

func (c *Configuration) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock().UTC()
}

func (c *Configuration) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
