package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/basket/warden/internal/bus"
)

func TestMarkerWatcherPublishesOnWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	staging := t.TempDir()
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicMarkerWritten)
	defer eventBus.Unsubscribe(sub)

	watcher := NewMarkerWatcher(staging, eventBus, nil)
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	marker := CompletionMarker{
		TaskID:        "task-xyz",
		ContainerName: "warden-task-task-xyz-0",
		ExitCode:      0,
	}
	if err := WriteMarker(MarkerPath(staging, marker.TaskID), marker); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.MarkerEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.TaskID != "task-xyz" {
			t.Errorf("task_id = %q", payload.TaskID)
		}
		got, err := ReadMarker(payload.Path)
		if err != nil {
			t.Fatalf("read published marker: %v", err)
		}
		if got.ExitCode != 0 {
			t.Errorf("exit_code = %d", got.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no marker event observed")
	}
}

func TestMarkerWatcherIgnoresOtherFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	staging := t.TempDir()
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicMarkerWritten)
	defer eventBus.Unsubscribe(sub)

	watcher := NewMarkerWatcher(staging, eventBus, nil)
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := WriteMarker(MarkerPath(staging, "real"), CompletionMarker{
		TaskID: "real", ContainerName: "c", ExitCode: 1,
	}); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	// Only the real marker should come through, never artifacts or tmp files.
	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.MarkerEvent)
		if payload.TaskID != "real" {
			t.Errorf("unexpected event for %q", payload.TaskID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("marker event not observed")
	}
}
