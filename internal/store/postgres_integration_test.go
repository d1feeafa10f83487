//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"sentinel/internal/config"
	"sentinel/internal/domain"
)

var (
	pgStore     *PostgresStore
	pgContainer testcontainers.Container
	pgSetupErr  error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "sentinel"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	pgSetupErr = initialiseDatabase(ctx)
	if pgSetupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres store tests skipped: %v\n", pgSetupErr)
	}
	exitCode := m.Run()

	if pgStore != nil {
		pgStore.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/sentinel?sslmode=disable", host, port.Port())

	s, err := Open(ctx, config.Storage{Driver: "postgres", DatabaseURL: dsn, MaxConns: 4})
	if err != nil {
		return err
	}
	pgStore = s.(*PostgresStore)
	return nil
}

func TestPostgresStoreLifecycle(t *testing.T) {
	if pgSetupErr != nil {
		t.Skipf("postgres setup unavailable: %v", pgSetupErr)
	}
	ctx := context.Background()

	o := testOrder("pg-a", "AAPL", domain.OrderSideBuy, "10")
	f1 := &domain.Fill{ID: "pg-f1", OrderKey: "pg-a", Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: d("4"), Price: d("100"), Timestamp: t0}
	f2 := &domain.Fill{ID: "pg-f2", OrderKey: "pg-a", Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: d("6"), Price: d("105"), Timestamp: t0}
	appendAll(t, pgStore,
		created(o),
		step(&o, domain.OrderStatusReserved, nil),
		step(&o, domain.OrderStatusSubmitted, nil),
		step(&o, domain.OrderStatusPartiallyFilled, f1),
	)

	open, err := pgStore.LoadOpenOrders(ctx)
	if err != nil {
		t.Fatalf("LoadOpenOrders: %v", err)
	}
	if len(open) != 1 || open[0].Status != domain.OrderStatusPartiallyFilled || !open[0].FilledQty.Equal(d("4")) {
		t.Fatalf("LoadOpenOrders = %+v", open)
	}

	dup := o
	if _, err := pgStore.Append(ctx, step(&dup, domain.OrderStatusPartiallyFilled, f1)); !errors.Is(err, ErrDuplicateFill) {
		t.Fatalf("Append(duplicate) error = %v, want ErrDuplicateFill", err)
	}
	appendAll(t, pgStore, step(&o, domain.OrderStatusFilled, f2))

	positions, err := pgStore.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Qty.Equal(d("10")) || !positions[0].AvgEntryPrice.Equal(d("103")) {
		t.Errorf("LoadPositions = %+v, want AAPL 10 @ 103", positions)
	}

	log, err := pgStore.LoadTransitions(ctx, "pg-a")
	if err != nil {
		t.Fatalf("LoadTransitions: %v", err)
	}
	orders, replayed := Replay(log)
	if orders["pg-a"].Status != domain.OrderStatusFilled || !replayed["AAPL"].Qty.Equal(d("10")) {
		t.Errorf("Replay = %+v / %+v", orders["pg-a"], replayed["AAPL"])
	}

	if _, err := pgStore.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder(missing) error = %v, want ErrNotFound", err)
	}
}
