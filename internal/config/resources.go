package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

const healthTimeout = 5 * time.Second

// Resources owns the connections to the WAL database, the pub/sub store and
// the snapshot bucket.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	bucket string
	region string
}

// NewResources dials every dependency and fails unless all of them answer.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pool, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	object, err := openObject(cfg.Object)
	if err != nil {
		pool.Close()
		return nil, err
	}

	res := &Resources{
		Postgres: pool,
		Redis:    openRedis(cfg.Redis),
		Object:   object,
		bucket:   cfg.Object.Bucket,
		region:   cfg.Object.Region,
	}
	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func openPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

func openRedis(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func openObject(cfg ObjectConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	return client, nil
}

// HealthCheck probes every dependency and reports all failures at once.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var errs []error
	if err := r.Postgres.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("postgres: %w", err))
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	// Object storage has no ping; stat the snapshot bucket instead.
	if _, err := r.Object.BucketExists(ctx, r.bucket); err != nil {
		errs = append(errs, fmt.Errorf("object storage: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	return nil
}

// EnsureBucket creates the snapshot bucket when it does not exist yet.
func (r *Resources) EnsureBucket(ctx context.Context) error {
	exists, err := r.Object.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("stat bucket %s: %w", r.bucket, err)
	}
	if exists {
		return nil
	}
	if err := r.Object.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: r.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", r.bucket, err)
	}
	return nil
}

// Close releases the connection pools.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
