package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/ilkin0/resumable/internal/config"
	"github.com/ilkin0/resumable/internal/database"
	"github.com/ilkin0/resumable/internal/storage"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	miniocontainer "github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type TestContainers struct {
	PostgresContainer *postgres.PostgresContainer
	MinioContainer    *miniocontainer.MinioContainer
	Database          *database.Database
	MinioClient       *storage.MinIOClient
	Cleanup           func()
}

func SetupTestContainers(t *testing.T) *TestContainers {
	t.Helper()

	ctx := context.Background()

	pgContainer, db := startPostgres(t, ctx)

	minioContainer, err := miniocontainer.Run(ctx,
		"minio/minio:latest",
		miniocontainer.WithUsername("minioadmin"),
		miniocontainer.WithPassword("minioadmin"),
	)
	if err != nil {
		db.Pool.Close()
		pgContainer.Terminate(ctx)
		t.Fatalf("Failed to start minio container: %v", err)
	}

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	if err != nil {
		db.Pool.Close()
		pgContainer.Terminate(ctx)
		minioContainer.Terminate(ctx)
		t.Fatalf("Failed to get minio endpoint: %v", err)
	}

	minioClient, err := storage.NewMinIOClient(ctx, config.MinIOConfig{
		Endpoint:   minioEndpoint,
		AccessKey:  "minioadmin",
		SecretKey:  "minioadmin",
		BucketName: "uploads-test",
	})
	if err != nil {
		db.Pool.Close()
		pgContainer.Terminate(ctx)
		minioContainer.Terminate(ctx)
		t.Fatalf("Failed to initialize MinIO client: %v", err)
	}

	cleanup := func() {
		CleanDatabase(ctx, db)
		CleanMinIO(ctx, minioClient)

		db.Pool.Close()

		pgContainer.Terminate(ctx)
		minioContainer.Terminate(ctx)
	}

	return &TestContainers{
		PostgresContainer: pgContainer,
		MinioContainer:    minioContainer,
		Database:          db,
		MinioClient:       minioClient,
		Cleanup:           cleanup,
	}
}

// SetupPostgres starts only the database, for tests that keep blobs in memory.
func SetupPostgres(t *testing.T) *database.Database {
	t.Helper()

	ctx := context.Background()
	pgContainer, db := startPostgres(t, ctx)
	t.Cleanup(func() {
		db.Pool.Close()
		pgContainer.Terminate(ctx)
	})
	return db
}

func startPostgres(t *testing.T, ctx context.Context) (*postgres.PostgresContainer, *database.Database) {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("uploads_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pgContainer.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	db, err := database.NewDatabase(ctx, connStr)
	if err != nil {
		pgContainer.Terminate(ctx)
		t.Fatalf("Failed to initialize database: %v", err)
	}

	if err := db.EnsureSchema(ctx); err != nil {
		db.Pool.Close()
		pgContainer.Terminate(ctx)
		t.Fatalf("Failed to create schema: %v", err)
	}

	return pgContainer, db
}

// SetupRedis starts a throwaway Redis and returns a connected client.
func SetupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() {
		client.Close()
		container.Terminate(ctx)
	})
	return client
}

func CleanDatabase(ctx context.Context, db *database.Database) {
	db.Pool.Exec(ctx, "TRUNCATE TABLE uploads")
}

func CleanMinIO(ctx context.Context, minioClient *storage.MinIOClient) {
	objectsCh := minioClient.Client.ListObjects(ctx, minioClient.BucketName, minio.ListObjectsOptions{
		Recursive: true,
	})
	for object := range objectsCh {
		if object.Err != nil {
			continue
		}
		minioClient.Client.RemoveObject(ctx, minioClient.BucketName, object.Key, minio.RemoveObjectOptions{})
	}
}
