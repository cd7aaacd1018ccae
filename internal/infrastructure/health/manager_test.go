package health

import (
	"fmt"
	"testing"
)

func TestAggregation(t *testing.T) {
	m := NewManager(nil)

	// No checks means nothing is broken.
	if !m.IsHealthy() {
		t.Error("empty manager should be healthy")
	}

	m.Register("redis", func() error { return nil })
	if !m.IsHealthy() {
		t.Error("passing check should keep the manager healthy")
	}

	m.Register("db_sync", func() error { return fmt.Errorf("stalled") })
	if m.IsHealthy() {
		t.Error("failing check should fail the manager")
	}

	status := m.GetStatus()
	if status["redis"] != nil {
		t.Errorf("expected nil for redis, got %v", status["redis"])
	}
	if status["db_sync"] == nil || status["db_sync"].Error() != "stalled" {
		t.Errorf("expected stalled for db_sync, got %v", status["db_sync"])
	}
}

func TestRegisterReplacesCheck(t *testing.T) {
	m := NewManager(nil)

	m.Register("queue", func() error { return fmt.Errorf("down") })
	if m.IsHealthy() {
		t.Error("expected unhealthy after failing registration")
	}

	m.Register("queue", func() error { return nil })
	if !m.IsHealthy() {
		t.Error("re-registering should replace the old check")
	}
}

func TestChecksRunAtReadTime(t *testing.T) {
	m := NewManager(nil)

	healthy := true
	m.Register("session", func() error {
		if healthy {
			return nil
		}
		return fmt.Errorf("expired")
	})

	if !m.IsHealthy() {
		t.Error("expected healthy while the flag is up")
	}
	healthy = false
	if m.IsHealthy() {
		t.Error("expected the flipped flag to be observed immediately")
	}
}
