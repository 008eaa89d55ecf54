package services_test

import (
	"context"
	"testing"

	"mediaflow/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithUnitID(ctx, 42)
	ctx = services.WithStage(ctx, "quality-search")
	ctx = services.WithRequestID(ctx, "round-7")

	if id, ok := services.UnitIDFromContext(ctx); !ok || id != 42 {
		t.Fatalf("unexpected unit id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "quality-search" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "round-7" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := services.WithStage(context.Background(), "")
	ctx = services.WithRequestID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("blank stage should not be stored")
	}
	if _, ok := services.RequestIDFromContext(ctx); ok {
		t.Fatal("blank request id should not be stored")
	}
	if _, ok := services.UnitIDFromContext(ctx); ok {
		t.Fatal("unit id should be absent")
	}
}
