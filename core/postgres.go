package core

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GetPostgresPool define a Postgres connection pool and verify the server is reachable
func GetPostgresPool(ctxt context.Context, url string) (*pgxpool.Pool, error) {
	logTags := log.Fields{"module": "core", "component": "postgres-pool"}
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	logTags["instance"] = fmt.Sprintf("%s:%d/%s", poolConfig.ConnConfig.Host, poolConfig.ConnConfig.Port, poolConfig.ConnConfig.Database)

	pool, err := pgxpool.NewWithConfig(ctxt, poolConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define Postgres pool")
		return nil, err
	}
	if err := pool.Ping(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Postgres not reachable")
		pool.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created Postgres pool")
	return pool, nil
}
