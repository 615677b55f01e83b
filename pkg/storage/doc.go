// Package storage holds connection settings for the policy store and the
// invalidation bus.
//
// The PostgreSQL primary takes every assignment write; snapshot loads read
// from replicas when any are configured. Redis is optional and only carries
// cache invalidations between service instances. See pkg/storage/postgres
// for the connection manager and redis client construction.
//
//	cfg := storage.DefaultConfig()
//	cfg.PostgresURL = "postgres://localhost/dealerops?sslmode=disable"
//	cfg.PostgresReplicaURLs = "postgres://replica1/dealerops,postgres://replica2/dealerops"
//	cfg.RedisURL = "redis://localhost:6379/0"
package storage
