// Package repository содержит реализацию хранилища ключ-значение в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore предоставляет атомарное хранилище ключ-значение поверх
// PostgreSQL. Это единственный общий изменяемый ресурс сервиса: счётчики
// оплат, курсоры нумерации, маркеры идемпотентности и записи заказов
// живут здесь как отдельные ключи. Многоключевых транзакций нет —
// вся конкурентная безопасность строится на атомарности одного upsert.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт новое хранилище и инициализирует схему БД через миграции.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Get возвращает значение ключа и признак его существования.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string

	err := s.withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT value FROM kv WHERE key = $1`,
			key,
		).Scan(&value)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get key: %w", err)
	}

	return value, true, nil
}

// Set записывает значение ключа, заменяя существующее.
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	err := s.withRetry(ctx, func() error {
		_, execErr := s.pool.Exec(ctx,
			`INSERT INTO kv (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			key, value,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("set key: %w", err)
	}

	return nil
}

// IncrBy атомарно увеличивает целочисленное значение ключа на delta и
// возвращает новое значение. Отсутствующий ключ трактуется как ноль.
func (s *PostgresStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var newValue int64

	err := s.withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO kv (key, value) VALUES ($1, $2::text)
			 ON CONFLICT (key) DO UPDATE
			 SET value = ((kv.value)::bigint + $2)::text, updated_at = now()
			 RETURNING (value)::bigint`,
			key, delta,
		).Scan(&newValue)
	})
	if err != nil {
		return 0, fmt.Errorf("incr key: %w", err)
	}

	return newValue, nil
}
