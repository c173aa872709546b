package telemetry

import (
	"context"
	"testing"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Protocol: "grpc"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown: %v", err)
	}
}

func TestSetup_NoopProtocol(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: true, Protocol: "noop"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestSetup_UnknownProtocol(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Enabled: true, Protocol: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestTracer_UsableWithoutSetup(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "test")
	span.End()
}
