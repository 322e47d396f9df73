package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestBackgroundExecutor_RecordsResult(t *testing.T) {
	be := NewBackgroundExecutor(testLogger())

	id, started := be.Submit(context.Background(), "summarize c1", func(ctx context.Context) (string, error) {
		return "done", nil
	})
	if !started || id == "" {
		t.Fatalf("expected a started task, got %q %v", id, started)
	}
	be.Wait()

	task, ok := be.Get(id)
	if !ok {
		t.Fatal("task not found")
	}
	if task.Status != TaskComplete || task.Result != "done" {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.DoneAt.Before(task.StartedAt) {
		t.Fatal("done before start")
	}
}

func TestBackgroundExecutor_FailureAndPanicAreRecorded(t *testing.T) {
	be := NewBackgroundExecutor(testLogger())

	failed, _ := be.Submit(context.Background(), "a", func(ctx context.Context) (string, error) {
		return "", errors.New("runtime offline")
	})
	panicked, _ := be.Submit(context.Background(), "b", func(ctx context.Context) (string, error) {
		panic("boom")
	})
	be.Wait()

	for _, id := range []string{failed, panicked} {
		task, _ := be.Get(id)
		if task.Status != TaskFailed || task.Error == "" {
			t.Fatalf("expected recorded failure, got %+v", task)
		}
	}
}

func TestBackgroundExecutor_OneRunPerKey(t *testing.T) {
	be := NewBackgroundExecutor(testLogger())

	release := make(chan struct{})
	first, started := be.Submit(context.Background(), "summarize c1", func(ctx context.Context) (string, error) {
		<-release
		return "first", nil
	})
	if !started {
		t.Fatal("first submit should start")
	}

	again, started := be.Submit(context.Background(), "summarize c1", func(ctx context.Context) (string, error) {
		t.Error("duplicate job must not run")
		return "", nil
	})
	if started || again != first {
		t.Fatalf("duplicate submit: id=%q started=%v", again, started)
	}
	if !be.Running("summarize c1") {
		t.Fatal("key should be running")
	}

	other, started := be.Submit(context.Background(), "summarize c2", func(ctx context.Context) (string, error) {
		return "", nil
	})
	if !started || other == first {
		t.Fatal("a different key runs independently")
	}

	close(release)
	be.Wait()
	if be.Running("summarize c1") {
		t.Fatal("key should be released after completion")
	}
	if _, started := be.Submit(context.Background(), "summarize c1", func(ctx context.Context) (string, error) {
		return "", nil
	}); !started {
		t.Fatal("key should be reusable after completion")
	}
	be.Wait()
}

func TestBackgroundExecutor_PrunesHistory(t *testing.T) {
	be := NewBackgroundExecutor(testLogger())
	be.history = 3

	for i := 0; i < 8; i++ {
		be.Submit(context.Background(), fmt.Sprintf("job %d", i), func(ctx context.Context) (string, error) {
			return "ok", nil
		})
		be.Wait()
	}
	tasks := be.List()
	if len(tasks) != 3 {
		t.Fatalf("expected 3 retained tasks, got %d", len(tasks))
	}
	if tasks[len(tasks)-1].Key != "job 7" {
		t.Fatalf("newest task should be retained, got %q", tasks[len(tasks)-1].Key)
	}
}

func TestBackgroundExecutor_GetUnknown(t *testing.T) {
	be := NewBackgroundExecutor(testLogger())
	if _, ok := be.Get("nonexistent"); ok {
		t.Error("expected not found")
	}
}
