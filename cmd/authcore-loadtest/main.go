// Command authcore-loadtest measures session validation, refresh rotation and
// permission resolution against Redis (or an embedded miniredis).
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/graph/memory"
	"github.com/campusdesk/authcore/permission"
	"github.com/campusdesk/authcore/session"
)

type sessionState struct {
	mu      sync.Mutex
	userID  string
	sid     string
	refresh string
}

func main() {
	var (
		sessions    = flag.Int("sessions", 20000, "number of sessions to seed")
		users       = flag.Int("users", 2000, "number of distinct users")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "lt", "cache key prefix")
	)
	flag.Parse()

	if *sessions <= 0 || *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	c := cache.New(client, cache.Options{Prefix: *prefix, OpTimeout: time.Second})
	registry := session.NewRegistry(c, session.Config{Lifetime: time.Hour})
	defer registry.Close()

	g := memory.New()
	g.Seed(
		graph.Role{ID: "student", Name: "student", Permissions: []string{"read:timetable", "read:grades"}},
		graph.Role{ID: "bursar", Name: "bursar", Permissions: []string{"read:fees", "write:fees"}},
	)
	userIDs := make([]string, *users)
	for i := range userIDs {
		userIDs[i] = uuid.NewString()
		role := "student"
		if i%10 == 0 {
			role = "bursar"
		}
		if err := g.Grant(ctx, graph.Assignment{UserID: userIDs[i], RoleID: role}); err != nil {
			fmt.Fprintf(os.Stderr, "grant failed: %v\n", err)
			os.Exit(1)
		}
	}
	resolver := permission.NewResolver(c, g, nil, permission.Options{})

	states := make([]sessionState, *sessions)
	fmt.Printf("seeding %d sessions for %d users...\n", *sessions, *users)
	startSeed := time.Now()
	for i := range states {
		uid := userIDs[i%len(userIDs)]
		sess, refresh, err := registry.Create(ctx, uid, "198.51.100.7")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
			os.Exit(1)
		}
		states[i].userID, states[i].sid, states[i].refresh = uid, sess.ID, refresh
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	validateStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		st := &states[r.Intn(len(states))]
		st.mu.Lock()
		sid := st.sid
		st.mu.Unlock()
		_, err := registry.Validate(ctx, sid)
		return err
	})
	resolveStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		uid := userIDs[r.Intn(len(userIDs))]
		if r.Intn(100) == 0 {
			if err := resolver.Invalidate(ctx, uid); err != nil {
				return err
			}
		}
		_, err := resolver.Resolve(ctx, uid, graph.Universal())
		return err
	})
	refreshStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		st := &states[r.Intn(len(states))]
		st.mu.Lock()
		defer st.mu.Unlock()
		sess, refresh, err := registry.Refresh(ctx, st.refresh)
		if err != nil {
			return err
		}
		st.sid, st.refresh = sess.ID, refresh
		return nil
	})

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("resolve", resolveStats)
	printStats("refresh", refreshStats)
}

func runPhase(ops, concurrency int, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
