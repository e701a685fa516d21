package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/entitlement-service/internal/migrations"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// testDataFactory создаёт записи напрямую через SQL, минуя репозиторий.
type testDataFactory struct {
	storage *Storage
}

func (f *testDataFactory) createRecord(t *testing.T, userID string, status models.Status,
	expiresAt *time.Time, receipt string) {
	t.Helper()
	_, err := f.storage.DB.Exec(`INSERT INTO subscription_records
		(user_id, status, product_id, expires_at, source, last_verified_at, raw_receipt)
		VALUES ($1, $2, 'premium_monthly', $3, 'backend', NOW(), $4)`,
		userID, status, expiresAt, receipt)
	require.NoError(t, err)
}

// setupTestDatabase поднимает PostgreSQL в контейнере и применяет миграции.
func setupTestDatabase(t *testing.T) *Storage {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "testdb",
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(3 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, nat.Port("5432/tcp"))
	require.NoError(t, err)
	connStr := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	// Подключаемся с ретраями, пока сервер принимает соединения
	var storage *Storage
	for range 10 {
		storage, err = New(connStr)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err, "failed to create storage after retries")
	t.Cleanup(func() { _ = storage.Close() })

	projectRoot, err := filepath.Abs("../../..")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, filepath.Join(projectRoot, "migrations")))
	require.NoError(t, CheckDatabaseReady(ctx, storage))

	return storage
}

func TestIntegration_RecordRoundTrip(t *testing.T) {
	storage := setupTestDatabase(t)
	ctx := context.Background()
	userID := uuid.NewString()

	got, err := storage.GetSubscriptionRecord(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, got)

	expires := time.Date(2026, 11, 13, 9, 0, 0, 0, time.UTC)
	verified := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	rec := models.SubscriptionRecord{
		UserID:         userID,
		Status:         models.StatusActive,
		ProductID:      "premium_monthly",
		ExpiresAt:      &expires,
		Source:         models.SourceBackend,
		LastVerifiedAt: verified,
		RawReceipt:     "tok_abc",
	}
	require.NoError(t, storage.PutSubscriptionRecord(ctx, userID, rec))

	got, err = storage.GetSubscriptionRecord(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, rec.Equal(*got))

	// Повторная запись заменяет строку целиком
	none := models.SubscriptionRecord{
		UserID:         userID,
		Status:         models.StatusNone,
		Source:         models.SourceBackend,
		LastVerifiedAt: verified.Add(time.Hour),
	}
	require.NoError(t, storage.PutSubscriptionRecord(ctx, userID, none))

	got, err = storage.GetSubscriptionRecord(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusNone, got.Status)
	assert.Nil(t, got.ExpiresAt)
	assert.Empty(t, got.RawReceipt)
}

func TestIntegration_ConstraintRejectsNoneWithExpiry(t *testing.T) {
	storage := setupTestDatabase(t)
	expires := time.Now().Add(time.Hour)

	err := storage.PutSubscriptionRecord(context.Background(), "u1", models.SubscriptionRecord{
		UserID:         "u1",
		Status:         models.StatusNone,
		ExpiresAt:      &expires,
		Source:         models.SourceBackend,
		LastVerifiedAt: time.Now(),
	})
	assert.Error(t, err)
}

func TestIntegration_ListDueForRefresh(t *testing.T) {
	storage := setupTestDatabase(t)
	factory := &testDataFactory{storage: storage}
	now := time.Now().UTC()

	soon := now.Add(2 * time.Hour)
	later := now.Add(30 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	factory.createRecord(t, "due", models.StatusActive, &soon, "tok_1")
	factory.createRecord(t, "grace", models.StatusGracePeriod, &past, "tok_2")
	factory.createRecord(t, "not-due", models.StatusActive, &later, "tok_3")
	factory.createRecord(t, "no-receipt", models.StatusActive, &soon, "")
	factory.createRecord(t, "expired", models.StatusExpired, &past, "tok_4")

	ids, err := storage.ListDueForRefresh(context.Background(), now.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"due", "grace"}, ids)

	ids, err = storage.ListDueForRefresh(context.Background(), now.Add(24*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}
