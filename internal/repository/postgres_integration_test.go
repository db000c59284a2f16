//go:build integration

package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

var testRepo *PostgresRepository

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "loyalty_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/loyalty_test?sslmode=disable", host, port.Port())

	deadline := time.Now().Add(30 * time.Second)
	for {
		testRepo, err = NewPostgresRepository(dsn)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
			os.Exit(1)
		}
		time.Sleep(500 * time.Millisecond)
	}

	code := m.Run()

	testRepo.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func seedCode(t *testing.T, businessID, codeID string, points int64, limit *int) {
	t.Helper()
	ctx := context.Background()

	_, err := testRepo.pool.Exec(ctx,
		`INSERT INTO businesses (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		businessID, "Business "+businessID,
	)
	require.NoError(t, err)

	_, err = testRepo.pool.Exec(ctx,
		`INSERT INTO codes (id, business_id, points_value, is_active, scan_limit) VALUES ($1, $2, $3, TRUE, $4)`,
		codeID, businessID, points, limit,
	)
	require.NoError(t, err)
}

func redeemOnce(ctx context.Context, codeID, businessID string, customer uuid.UUID, points int64) error {
	return testRepo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.CreditBalance(ctx, customer, businessID, points); err != nil {
			return err
		}
		if _, err := tx.IncrementScans(ctx, codeID); err != nil {
			return err
		}
		return tx.InsertScanEvent(ctx, &model.ScanEvent{
			ID:            uuid.New(),
			CodeID:        codeID,
			BusinessID:    businessID,
			CustomerID:    &customer,
			PointsAwarded: points,
		})
	})
}

func TestPostgresIncrementScans_ConcurrentSingleUse(t *testing.T) {
	limit := 1
	seedCode(t, "pb1", "pc1", 10, &limit)

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = redeemOnce(ctx, "pc1", "pb1", uuid.New(), 10)
		}(i)
	}
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrLimitReached):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, len(errs)-1, limited)

	c, err := testRepo.GetCode(ctx, "pc1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentScans)
}

func TestPostgresInTx_RollbackKeepsBalanceConsistent(t *testing.T) {
	limit := 1
	seedCode(t, "pb2", "pc2", 7, &limit)

	ctx := context.Background()
	customer := uuid.New()

	require.NoError(t, redeemOnce(ctx, "pc2", "pb2", customer, 7))
	assert.ErrorIs(t, redeemOnce(ctx, "pc2", "pb2", customer, 7), ErrLimitReached)

	b, err := testRepo.GetBalance(ctx, customer, "pb2")
	require.NoError(t, err)
	assert.Equal(t, int64(7), b.Points)

	recent, err := testRepo.RecentScans(ctx, customer, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "Business pb2", recent[0].BusinessName)

	mismatches, err := testRepo.FindMismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestPostgresInsertScanEvent_DuplicateIdempotencyKey(t *testing.T) {
	seedCode(t, "pb3", "pc3", 1, nil)

	ctx := context.Background()
	key := uuid.NewString()
	insert := func() error {
		return testRepo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertScanEvent(ctx, &model.ScanEvent{ID: uuid.New(), CodeID: "pc3", BusinessID: "pb3", PointsAwarded: 1, IdempotencyKey: &key})
		})
	}

	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ErrDuplicateIdempotencyKey)

	ev, err := testRepo.FindScanByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, ev.CustomerID)
}

func TestPostgresEnsureCode(t *testing.T) {
	seedCode(t, "pb4", "pc4", 1, nil)

	ctx := context.Background()
	id := model.DefaultCodeID("pb4")
	for i := 0; i < 2; i++ {
		err := testRepo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.EnsureCode(ctx, &model.RedeemableCode{ID: id, BusinessID: "pb4", PointsValue: 5, IsActive: true})
		})
		require.NoError(t, err)
	}

	c, err := testRepo.GetCode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.PointsValue)
	assert.Nil(t, c.ScanLimit)
}
