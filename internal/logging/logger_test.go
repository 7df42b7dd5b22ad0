package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("energy-telemetry-service")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Expected logger, got nil")
	}
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	WithTenant(WithRequestID(logger, "req-1"), "tenant-a").Info("hello")
	WithRequestID(logger, "").Info("no request id")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Errorf("Expected request_id req-1, got %v", fields["request_id"])
	}
	if fields["tenant_id"] != "tenant-a" {
		t.Errorf("Expected tenant_id tenant-a, got %v", fields["tenant_id"])
	}
	if _, ok := entries[1].ContextMap()["request_id"]; ok {
		t.Error("Expected empty request id to be omitted")
	}
}
