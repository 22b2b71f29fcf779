package command

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestHistory(t *testing.T) (*RedisHistory, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	history, err := NewRedisHistory("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("create redis history: %v", err)
	}
	t.Cleanup(func() { history.Close() })
	return history, s
}

func TestRedisHistoryStackOrder(t *testing.T) {
	history, _ := setupTestHistory(t)
	ctx := context.Background()

	for _, id := range []string{"cmd_1", "cmd_2", "cmd_3"} {
		if err := history.PushUndo(ctx, "user_a", Command{ID: id, Kind: KindCreate}); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}

	for _, want := range []string{"cmd_3", "cmd_2", "cmd_1"} {
		cmd, err := history.PopUndo(ctx, "user_a")
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if cmd.ID != want {
			t.Fatalf("popped %s, want %s", cmd.ID, want)
		}
	}

	if _, err := history.PopUndo(ctx, "user_a"); !errors.Is(err, ErrEmptyHistory) {
		t.Fatalf("empty pop err = %v, want ErrEmptyHistory", err)
	}
}

func TestRedisHistoryRoundTripsCommandFields(t *testing.T) {
	history, _ := setupTestHistory(t)
	ctx := context.Background()

	in := Command{
		ID:         "cmd_1",
		Kind:       KindUpdate,
		TargetType: "annotation",
		TargetID:   "ann_1",
		Before:     []byte(`{"location":"POINT (1 1)"}`),
		After:      []byte(`{"location":"POINT (2 2)"}`),
		Principal:  "user_a",
		Message:    "annotation ann_1 edited",
	}
	if err := history.PushRedo(ctx, "user_a", in); err != nil {
		t.Fatalf("push: %v", err)
	}

	out, err := history.PopRedo(ctx, "user_a")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if out.ID != in.ID || out.Kind != in.Kind || out.TargetID != in.TargetID {
		t.Fatalf("round trip diverged: %+v", out)
	}
	if string(out.Before) != string(in.Before) || string(out.After) != string(in.After) {
		t.Fatalf("snapshots diverged: %s / %s", out.Before, out.After)
	}
}

func TestRedisHistoryClearRedo(t *testing.T) {
	history, _ := setupTestHistory(t)
	ctx := context.Background()

	if err := history.PushRedo(ctx, "user_a", Command{ID: "cmd_1"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := history.PushRedo(ctx, "user_b", Command{ID: "cmd_2"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := history.ClearRedo(ctx, "user_a"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if _, err := history.PopRedo(ctx, "user_a"); !errors.Is(err, ErrEmptyRedoStack) {
		t.Fatalf("cleared pop err = %v, want ErrEmptyRedoStack", err)
	}
	if cmd, err := history.PopRedo(ctx, "user_b"); err != nil || cmd.ID != "cmd_2" {
		t.Fatalf("other principal affected: %v %+v", err, cmd)
	}
}

func TestRedisHistoryPerPrincipalKeys(t *testing.T) {
	history, s := setupTestHistory(t)
	ctx := context.Background()

	if err := history.PushUndo(ctx, "user_a", Command{ID: "cmd_1"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !s.Exists("history:undo:user_a") {
		t.Fatal("expected key history:undo:user_a")
	}
}
