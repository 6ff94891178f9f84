package service

import (
	"context"
	"testing"
	"time"

	"github.com/meshmcp/meshmcp/internal/domain/event"
	"github.com/meshmcp/meshmcp/internal/domain/upstream"
)

func TestServiceHealthMonitor_NilManagerAlwaysHealthy(t *testing.T) {
	mon := NewServiceHealthMonitor(nil, nil, nil, time.Millisecond)
	healthy, reason := mon.snapshot()
	if !healthy {
		t.Errorf("snapshot() healthy = false, want true (reason=%q)", reason)
	}
}

func TestServiceHealthMonitor_PublishesOnTransition(t *testing.T) {
	u := &upstream.Upstream{
		ID: "up-1", Name: "server-1", Transport: upstream.TransportStdio,
		Enabled: true, Command: "/usr/bin/echo",
	}
	mgr, clients := testManagerEnv(t, u)
	defer func() { _ = mgr.Close() }()

	bus := event.NewBus()
	received := make(chan event.Event, 4)
	bus.Subscribe(event.OfType(event.TypeHealthChanged), func(e event.Event) {
		received <- e
	})

	mon := NewServiceHealthMonitor(mgr, bus, testManagerLogger(), time.Millisecond)

	// No upstream connected yet: first check should report unhealthy and
	// publish a transition event (constructor seeds healthy=true).
	mon.check()

	select {
	case e := <-received:
		if healthy, _ := e.Payload["healthy"].(bool); healthy {
			t.Errorf("expected unhealthy transition, got healthy=true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unhealthy transition event")
	}

	// Repeated checks with no change shouldn't publish again.
	mon.check()
	select {
	case e := <-received:
		t.Fatalf("unexpected second event published: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	if err := mgr.Start(context.Background(), "up-1"); err != nil {
		t.Fatalf("Start() unexpected error: %v", err)
	}
	_ = clients

	mon.check()
	select {
	case e := <-received:
		if healthy, _ := e.Payload["healthy"].(bool); !healthy {
			t.Errorf("expected healthy transition after connect, got healthy=false")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for healthy transition event")
	}
}
