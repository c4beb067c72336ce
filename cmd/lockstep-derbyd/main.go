// Command lockstep-derbyd runs the background side of a lockstep
// deployment: leader-gated sweeps for overdue derby turns and expired
// auction lots, plus HTTP endpoints streaming bus events to clients and
// serving Prometheus metrics.
//
// Several instances can run side by side; per-tick leader election
// keeps the sweeps single-writer while the watch endpoints scale out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/draftwire/lockstep/v1/leader"
	"github.com/draftwire/lockstep/v1/metrics"
	"github.com/draftwire/lockstep/v1/presets"
	"github.com/draftwire/lockstep/v1/scheduler"
	"github.com/draftwire/lockstep/v1/watch"
)

var (
	dsn         = flag.String("db", "", "Postgres DSN (required)")
	addr        = flag.String("addr", ":8080", "HTTP listen address")
	nodeID      = flag.Int64("node", 0, "Node id for leader election (0 = derive from clock)")
	busKind     = flag.String("bus", "memory", "Event bus: memory, redis, nats")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	natsURL     = flag.String("nats-url", "nats://localhost:4222", "NATS URL")
	derbySweep  = flag.Duration("derby-sweep", 5*time.Second, "Derby timeout sweep interval")
	settleSweep = flag.Duration("settle-sweep", 10*time.Second, "Auction settlement sweep interval")
)

func main() {
	flag.Parse()
	if *dsn == "" {
		log.Fatal("missing -db")
	}
	if *nodeID == 0 {
		*nodeID = time.Now().UnixNano() % 1_000_000_000
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if err := presets.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	var stack *presets.Stack
	switch *busKind {
	case "memory":
		stack = presets.NewStandalone(pool)
	case "redis":
		stack = presets.NewRedis(pool, presets.RedisOptions{Addr: *redisAddr})
	case "nats":
		if stack, err = presets.NewNATS(pool, *natsURL); err != nil {
			log.Fatalf("nats: %v", err)
		}
	default:
		log.Fatalf("unknown bus: %s", *busKind)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	sched := scheduler.New()
	sched.Every("derby-sweep", *derbySweep, func(ctx context.Context) error {
		res, err := stack.Drafts.ExpireDerbyTurns(ctx)
		if err != nil {
			return err
		}
		if res.Expired > 0 || res.Skipped > 0 {
			log.Printf("derby sweep: expired=%d skipped=%d", res.Expired, res.Skipped)
		}
		return nil
	}, scheduler.WithElector(leader.New(pool, "derby-sweep", *nodeID)))
	sched.Every("auction-settle", *settleSweep, func(ctx context.Context) error {
		res, err := stack.Auctions.SettleExpired(ctx)
		if err != nil {
			return err
		}
		if res.Settled > 0 || res.Skipped > 0 {
			log.Printf("auction settle: settled=%d skipped=%d", res.Settled, res.Skipped)
		}
		return nil
	}, scheduler.WithElector(leader.New(pool, "auction-settle", *nodeID)))

	mux := http.NewServeMux()
	mux.HandleFunc("/watch/sse", watch.SSEHandler(stack.Bus))
	mux.HandleFunc("/watch/ws", watch.WebSocketHandler(stack.Bus))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: *addr, Handler: mux}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("lockstep-derbyd node %d listening on %s (bus: %s)", *nodeID, *addr, *busKind)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
	<-done
	log.Print("lockstep-derbyd stopped")
}
