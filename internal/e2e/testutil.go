//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/bus"
	"github.com/skoll/overmind/internal/gateway"
	"github.com/skoll/overmind/internal/orchestrator"
	pgstore "github.com/skoll/overmind/internal/store"
	"github.com/skoll/overmind/internal/worklog"
)

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

// Package-level shared state. Set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testStore    *pgstore.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("overmind_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	dsn, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	testStore, err = pgstore.New(dsn, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// scriptedSpawner is a deterministic Spawner. Responses are matched by
// prompt substring; unmatched prompts get the fallback text.
type scriptedSpawner struct {
	mu       sync.Mutex
	scripts  map[string]orchestrator.SpawnResult
	fallback string
	calls    []orchestrator.SpawnOptions
}

func newScriptedSpawner(fallback string) *scriptedSpawner {
	return &scriptedSpawner{
		scripts:  make(map[string]orchestrator.SpawnResult),
		fallback: fallback,
	}
}

func (s *scriptedSpawner) on(substr string, res orchestrator.SpawnResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[substr] = res
}

func (s *scriptedSpawner) Spawn(ctx context.Context, prompt string, opts orchestrator.SpawnOptions) (*orchestrator.SpawnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	for substr, res := range s.scripts {
		if strings.Contains(prompt, substr) {
			r := res
			return &r, nil
		}
	}
	return &orchestrator.SpawnResult{Code: 0, Text: s.fallback}, nil
}

// system bundles a fully wired orchestration stack backed by the shared
// containers, with the subprocess layer replaced by a scriptedSpawner.
type system struct {
	gw      *gateway.Gateway
	machine *orchestrator.StateMachine
	events  *bus.Bus
	spawner *scriptedSpawner
	worklog *worklog.Manager
}

// newSystem wires a pipeline + gateway against the shared PG and Redis
// containers. Workflow state is reset so each test starts from IDLE.
func newSystem(t *testing.T) *system {
	t.Helper()
	ctx := context.Background()

	if err := testStore.ResetWorkflowState(ctx); err != nil {
		t.Fatalf("reset workflow state: %v", err)
	}
	if err := testStore.ClearAllEmployeeSessions(ctx); err != nil {
		t.Fatalf("clear sessions: %v", err)
	}

	events, err := bus.New(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("create bus: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	wl, err := worklog.NewManager(t.TempDir(), testLogger)
	if err != nil {
		t.Fatalf("create worklog manager: %v", err)
	}

	spawner := newScriptedSpawner("done")
	machine := orchestrator.NewStateMachine(testStore, events, testLogger)
	dispatcher := orchestrator.NewDispatcher(testStore, spawner, events, wl, 4, testLogger)
	pipeline := orchestrator.NewPipeline(machine, dispatcher, testStore, spawner, events, wl, testLogger)
	gw := gateway.New(context.Background(), pipeline, machine, testStore, events, nil, testLogger)

	return &system{gw: gw, machine: machine, events: events, spawner: spawner, worklog: wl}
}

// waitForEvent blocks until an event with the given name arrives or the
// timeout fires.
func waitForEvent(t *testing.T, ch <-chan bus.Event, name string, timeout time.Duration) bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", name)
			}
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}
