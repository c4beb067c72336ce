package presets

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/draftwire/lockstep/v1/auction"
	"github.com/draftwire/lockstep/v1/draft"
	"github.com/draftwire/lockstep/v1/eventbus"
	"github.com/draftwire/lockstep/v1/txn"
)

// Stack bundles the coordinator and the domain services most deployments
// want, all sharing one bus so post-commit events reach every consumer.
type Stack struct {
	Coordinator *txn.Coordinator
	Drafts      *draft.Service
	Auctions    *auction.Service
	Bus         eventbus.Bus
}

// Migrate creates the tables behind every bundled service.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if err := draft.Migrate(ctx, pool); err != nil {
		return err
	}
	return auction.Migrate(ctx, pool)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewStandalone wires a stack whose events fan out in-process only.
// Suitable for one-node deployments and tests; Postgres is still the
// source of truth, only the notifications stay local.
func NewStandalone(pool *pgxpool.Pool, opts ...txn.Option) *Stack {
	return assemble(pool, eventbus.NewInMemoryBus(), opts)
}

// NewRedis wires a stack whose events fan out through Redis Pub/Sub, so
// watchers on other nodes observe commits made here.
func NewRedis(pool *pgxpool.Pool, opts RedisOptions, txOpts ...txn.Option) *Stack {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return assemble(pool, eventbus.NewRedisBus(client), txOpts)
}

// NewNATS wires a stack whose events fan out through NATS subjects.
func NewNATS(pool *pgxpool.Pool, url string, txOpts ...txn.Option) (*Stack, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return assemble(pool, eventbus.NewNATSBus(conn), txOpts), nil
}

func assemble(pool *pgxpool.Pool, bus eventbus.Bus, txOpts []txn.Option) *Stack {
	opts := append([]txn.Option{txn.WithBus(bus)}, txOpts...)
	c := txn.New(pool, opts...)
	return &Stack{
		Coordinator: c,
		Drafts:      draft.NewService(c),
		Auctions:    auction.NewService(c),
		Bus:         bus,
	}
}
