// Command craftcard serves the character card crafting pipeline over HTTP.
//
// Configuration comes from flags, each of which falls back to an environment
// variable:
//
//	CRAFT_HTTP_ADDR      listen address (default ":8080")
//	CRAFT_MODELS         model catalog YAML file (required)
//	CRAFT_DEFAULT_MODEL  overrides the catalog default model
//	CRAFT_MONGO_URI      stores sessions and run logs in MongoDB instead of memory
//	CRAFT_MONGO_DB       MongoDB database (default "craftcard")
//	CRAFT_SQLITE_PATH    stores cards in SQLite instead of memory
//	CRAFT_REDIS_ADDR     stores runs in Redis and shares throttle budgets
//	CRAFT_STREAM_EVENTS  mirrors run events into Pulse streams (needs Redis)
//	CRAFT_RUN_TIMEOUT    bounds each run (default 10m)
//	CRAFT_MAX_LOOPS      default review loop budget (default 3)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/craftcard/craftcard/crafter"
	cardinmem "github.com/craftcard/craftcard/features/card/inmem"
	cardsqlite "github.com/craftcard/craftcard/features/card/sqlite"
	"github.com/craftcard/craftcard/features/model/catalog"
	runinmem "github.com/craftcard/craftcard/features/run/inmem"
	runredis "github.com/craftcard/craftcard/features/run/redis"
	runloginmem "github.com/craftcard/craftcard/features/runlog/inmem"
	runlogmongo "github.com/craftcard/craftcard/features/runlog/mongo"
	clientsrunlog "github.com/craftcard/craftcard/features/runlog/mongo/clients/mongo"
	sessioninmem "github.com/craftcard/craftcard/features/session/inmem"
	sessionmongo "github.com/craftcard/craftcard/features/session/mongo"
	clientsmongo "github.com/craftcard/craftcard/features/session/mongo/clients/mongo"
	"github.com/craftcard/craftcard/features/stream/pulse"
	clientspulse "github.com/craftcard/craftcard/features/stream/pulse/clients/pulse"
	"github.com/craftcard/craftcard/features/transport/sse"
	"github.com/craftcard/craftcard/runtime/craft/card"
	"github.com/craftcard/craftcard/runtime/craft/event"
	"github.com/craftcard/craftcard/runtime/craft/run"
	"github.com/craftcard/craftcard/runtime/craft/runlog"
	"github.com/craftcard/craftcard/runtime/craft/session"
	"github.com/craftcard/craftcard/runtime/craft/stage"
	"github.com/craftcard/craftcard/runtime/craft/telemetry"
)

const budgetMapName = "craft-model-budgets"

func main() {
	var (
		addrF         = flag.String("http-addr", envOr("CRAFT_HTTP_ADDR", ":8080"), "HTTP listen address")
		modelsF       = flag.String("models", envOr("CRAFT_MODELS", ""), "Model catalog YAML file")
		defaultModelF = flag.String("default-model", envOr("CRAFT_DEFAULT_MODEL", ""), "Model used when a request names none")
		mongoURIF     = flag.String("mongo-uri", envOr("CRAFT_MONGO_URI", ""), "MongoDB URI for sessions")
		mongoDBF      = flag.String("mongo-db", envOr("CRAFT_MONGO_DB", "craftcard"), "MongoDB database")
		sqliteF       = flag.String("sqlite-path", envOr("CRAFT_SQLITE_PATH", ""), "SQLite file for cards")
		redisAddrF    = flag.String("redis-addr", envOr("CRAFT_REDIS_ADDR", ""), "Redis address for runs and shared budgets")
		streamF       = flag.Bool("stream-events", envBoolOr("CRAFT_STREAM_EVENTS", false), "Mirror run events into Pulse streams")
		timeoutF      = flag.Duration("run-timeout", envDurationOr("CRAFT_RUN_TIMEOUT", 10*time.Minute), "Maximum duration of one run")
		maxLoopsF     = flag.Int("max-loops", envIntOr("CRAFT_MAX_LOOPS", stage.DefaultMaxLoopCount), "Default review loop budget")
		dbgF          = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *modelsF == "" {
		log.Fatalf(ctx, fmt.Errorf("missing model catalog"), "set -models or CRAFT_MODELS")
	}
	if *streamF && *redisAddrF == "" {
		log.Fatalf(ctx, fmt.Errorf("missing redis address"), "-stream-events requires -redis-addr")
	}

	var (
		pingers []health.Pinger
		metrics = telemetry.NewOtelMetrics()
	)

	var rdb *redis.Client
	if *redisAddrF != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddrF})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf(ctx, err, "failed to connect to redis at %s", *redisAddrF)
		}
	}

	// Model catalog
	var cat *catalog.Catalog
	{
		f, err := catalog.Load(*modelsF)
		if err != nil {
			log.Fatalf(ctx, err, "failed to load model catalog")
		}
		opts := catalog.Options{DefaultModel: *defaultModelF, Metrics: metrics}
		if rdb != nil {
			budgets, err := rmap.Join(ctx, budgetMapName, rdb)
			if err != nil {
				log.Fatalf(ctx, err, "failed to join budget map")
			}
			defer budgets.Close()
			opts.Budgets = budgets
		}
		cat, err = catalog.New(ctx, f, opts)
		if err != nil {
			log.Fatalf(ctx, err, "failed to build model catalog")
		}
		log.Print(ctx, log.KV{K: "models", V: cat.Names()}, log.KV{K: "default-model", V: cat.DefaultModel()})
	}

	// Stores
	var (
		sessions session.Store = sessioninmem.New()
		runLog   runlog.Store  = runloginmem.New()
	)
	if *mongoURIF != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(*mongoURIF))
		if err != nil {
			log.Fatalf(ctx, err, "failed to connect to mongo")
		}
		defer func() { _ = mc.Disconnect(context.Background()) }()
		cl, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: *mongoDBF})
		if err != nil {
			log.Fatalf(ctx, err, "failed to create session client")
		}
		store, err := sessionmongo.NewStore(cl)
		if err != nil {
			log.Fatalf(ctx, err, "failed to create session store")
		}
		sessions = store
		pingers = append(pingers, store)

		lc, err := clientsrunlog.New(clientsrunlog.Options{Client: mc, Database: *mongoDBF})
		if err != nil {
			log.Fatalf(ctx, err, "failed to create run log client")
		}
		logStore, err := runlogmongo.NewStore(lc)
		if err != nil {
			log.Fatalf(ctx, err, "failed to create run log store")
		}
		runLog = logStore
		pingers = append(pingers, logStore)
	}

	var cards card.Store = cardinmem.New()
	if *sqliteF != "" {
		db, err := cardsqlite.Open(*sqliteF)
		if err != nil {
			log.Fatalf(ctx, err, "failed to open card database")
		}
		defer func() { _ = db.Close() }()
		store, err := cardsqlite.New(ctx, db)
		if err != nil {
			log.Fatalf(ctx, err, "failed to create card store")
		}
		cards = store
		pingers = append(pingers, store)
	}

	var runs run.Store = runinmem.New()
	if rdb != nil {
		store, err := runredis.New(runredis.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "failed to create run store")
		}
		runs = store
		pingers = append(pingers, store)
	}

	// Event mirror
	var (
		sink     event.Sink
		follower sse.Follower
	)
	if *streamF {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
		if err != nil {
			log.Fatalf(ctx, err, "failed to create pulse client")
		}
		ps, err := pulse.NewSink(pulse.Options{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "failed to create pulse sink")
		}
		defer func() { _ = ps.Close(context.Background()) }()
		sub, err := pulse.NewSubscriber(pulse.SubscriberOptions{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "failed to create pulse subscriber")
		}
		sink, follower = ps, sub
	}

	defaults := stage.DefaultRunConfig()
	defaults.MaxLoopCount = *maxLoopsF
	svc, err := crafter.New(crafter.Options{
		Catalog:  cat,
		Turns:    sessions,
		Cards:    cards,
		Runs:     runs,
		Log:      runLog,
		Sink:     sink,
		Logger:   telemetry.NewClueLogger(),
		Metrics:  metrics,
		Tracer:   telemetry.NewOtelTracer(),
		Defaults: &defaults,
		Timeout:  *timeoutF,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to create crafter")
	}

	srv, err := sse.New(sse.Options{
		Service:  svc,
		Follower: follower,
		Pingers:  pingers,
		Debug:    *dbgF,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to create HTTP server")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, *addrF, srv, &wg, errc)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}

// envOr returns the environment variable or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
