package main

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/shareledger/internal/config"
	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/internal/store/badger"
	"github.com/bardlex/shareledger/internal/store/leveldb"
	"github.com/bardlex/shareledger/internal/store/memory"
	"github.com/bardlex/shareledger/internal/store/postgres"
	"github.com/bardlex/shareledger/internal/store/redis"
)

func baseConfig(backend string) *config.Config {
	return &config.Config{
		Backend:      backend,
		DatabasePath: "/tmp/shareledger-test",
		RedisAddr:    "localhost:6379",
		PostgresHost: "localhost",
		PostgresPort: 5432,
	}
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		backend string
		check   func(store.Store) bool
	}{
		{"memory", func(s store.Store) bool { _, ok := s.(*memory.Store); return ok }},
		{"leveldb", func(s store.Store) bool { _, ok := s.(*leveldb.Store); return ok }},
		{"badger", func(s store.Store) bool { _, ok := s.(*badger.Store); return ok }},
		{"redis", func(s store.Store) bool { _, ok := s.(*redis.Store); return ok }},
		{"postgres", func(s store.Store) bool { _, ok := s.(*postgres.Store); return ok }},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			st, err := openStore(baseConfig(tt.backend))
			if err != nil {
				t.Fatalf("openStore(%s) failed: %v", tt.backend, err)
			}
			if !tt.check(st) {
				t.Errorf("openStore(%s) returned wrong backend type %T", tt.backend, st)
			}
		})
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	if _, err := openStore(baseConfig("flatfile")); err == nil {
		t.Error("openStore must reject an unknown backend")
	}
}

func TestOpenStore_MemoryIsUsable(t *testing.T) {
	st, err := openStore(baseConfig("memory"))
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}

	ctx := context.Background()
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer st.Close(ctx)

	if report := st.HealthCheck(ctx); report.Status != store.StatusReady {
		t.Errorf("want ready store, got %s", report.Status)
	}

	// The reference backend participates in retention sweeps.
	pruner, ok := st.(store.Pruner)
	if !ok {
		t.Fatal("memory backend must implement Pruner")
	}
	if _, err := pruner.PruneShares(ctx, time.Now()); err != nil {
		t.Errorf("PruneShares failed: %v", err)
	}
}
