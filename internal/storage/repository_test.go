package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.InsertPriceSample(ctx, PriceSample{Symbol: "ethereum"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	if _, err := s.ListRecentSamples(ctx, "", 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	if err := s.InsertSystemAlert(ctx, SystemAlertRecord{ID: "a"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	if _, err := s.DeleteSystemAlertsBefore(ctx, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	if err := s.Migrate(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	s.Close()
}

func TestMigrationsBundled(t *testing.T) {
	names, err := MigrationNames()
	if err != nil {
		t.Fatalf("列出迁移失败: %v", err)
	}
	if len(names) == 0 || names[0] != "migrations/001_init.sql" {
		t.Fatalf("迁移文件不符合预期: %v", names)
	}
}
