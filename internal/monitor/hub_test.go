package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"sharpctl/internal/logger"
	"sharpctl/internal/model"
)

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub(logger.Discard())
	// No Run loop and no clients: the queue fills up and further events must
	// be dropped, not block the analysis.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			hub.PublishProgress(float64(i)/500, "Analyzing video...")
			hub.PublishSample(model.FrameSample{Time: float64(i), Sharpness: 1})
			hub.PublishWindow(0, 1, 0.5, 0.5, 1)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked with no consumers")
	}
}

func TestEventEncoding(t *testing.T) {
	hub := NewHub(logger.Discard())
	hub.PublishWindow(1.5, 2.5, 2.0, 1.9, 33.25)

	select {
	case msg := <-hub.broadcast:
		var event map[string]interface{}
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("event is not valid JSON: %v", err)
		}
		if event["type"] != "window" {
			t.Errorf("event type = %v, want window", event["type"])
		}
		if event["best_sharpness"] != 33.25 {
			t.Errorf("best_sharpness = %v, want 33.25", event["best_sharpness"])
		}
	default:
		t.Fatal("no event queued")
	}
}

func TestClientCountStartsEmpty(t *testing.T) {
	hub := NewHub(nil)
	if hub.ClientCount() != 0 {
		t.Errorf("fresh hub reports %d clients", hub.ClientCount())
	}
}
