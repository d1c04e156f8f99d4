package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securesend/internal/common"
	"securesend/internal/models"
	"securesend/internal/repository/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

const objectColumns = `id, sealed_meta, password_protected, wrapped_key, password_salt,
        kdf_time, kdf_memory_kib, kdf_threads, verification_tag, revoke_hash,
        downloads_remaining, frame_count, cipher_size, expires_at, created_at`

// PostgresStore implements ObjectStore on a pgx connection pool.
type PostgresStore struct {
	db  *pgxpool.Pool
	log *zap.SugaredLogger
}

// NewPostgresStore opens the pool and checks connectivity.
func NewPostgresStore(ctx context.Context, databaseURL string, log *zap.SugaredLogger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Infow("postgres pool established")
	return &PostgresStore{db: pool, log: log}, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// RunMigrations applies the embedded goose migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, obj *models.Object) error {
	sql := `
        INSERT INTO objects (` + objectColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.Exec(ctx, sql,
		obj.ID,
		obj.SealedMeta,
		obj.PasswordProtected,
		obj.WrappedKey,
		obj.PasswordSalt,
		int64(obj.KDFTime),
		int64(obj.KDFMemoryKiB),
		int16(obj.KDFThreads),
		obj.VerificationTag,
		obj.RevokeHash,
		obj.DownloadsRemaining,
		obj.FrameCount,
		obj.CipherSize,
		obj.ExpiresAt,
		obj.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return common.ErrConflict
		}
		return storageErr("create object", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Object, error) {
	sql := `SELECT ` + objectColumns + ` FROM objects WHERE id = $1`

	obj, err := scanObject(s.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, storageErr("get object", err)
	}
	return obj, nil
}

func (s *PostgresStore) ConsumeDownload(ctx context.Context, id string, now time.Time) (*models.Object, error) {
	sql := `
        UPDATE objects
        SET downloads_remaining = downloads_remaining - 1
        WHERE id = $1 AND downloads_remaining > 0 AND expires_at > $2
        RETURNING ` + objectColumns

	obj, err := scanObject(s.db.QueryRow(ctx, sql, id, now))
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageErr("consume download", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason := denial(current, now); reason != nil {
		return nil, reason
	}
	// Lost a race against a concurrent decrement.
	return nil, common.ErrLimitReached
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM objects WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete object", err)
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListReclaimable(ctx context.Context, now time.Time, after string, limit int) ([]string, error) {
	sql := `
        SELECT id FROM objects
        WHERE (downloads_remaining <= 0 OR expires_at <= $1) AND id > $2
        ORDER BY id
        LIMIT $3`

	rows, err := s.db.Query(ctx, sql, now, after, batchSize(limit))
	if err != nil {
		return nil, storageErr("list reclaimable", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan reclaimable id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate reclaimable ids", err)
	}
	return ids, nil
}

func scanObject(row pgx.Row) (*models.Object, error) {
	var (
		obj                models.Object
		kdfTime, kdfMemory int64
		kdfThreads         int16
	)
	err := row.Scan(
		&obj.ID,
		&obj.SealedMeta,
		&obj.PasswordProtected,
		&obj.WrappedKey,
		&obj.PasswordSalt,
		&kdfTime,
		&kdfMemory,
		&kdfThreads,
		&obj.VerificationTag,
		&obj.RevokeHash,
		&obj.DownloadsRemaining,
		&obj.FrameCount,
		&obj.CipherSize,
		&obj.ExpiresAt,
		&obj.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	obj.KDFTime = uint32(kdfTime)
	obj.KDFMemoryKiB = uint32(kdfMemory)
	obj.KDFThreads = uint8(kdfThreads)
	return &obj, nil
}
