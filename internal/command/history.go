package command

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHistory keeps undo and redo stacks in process memory. It is the
// default backend when no Redis URL is configured; history then lives
// only as long as the server process.
type MemoryHistory struct {
	mu   sync.Mutex
	undo map[string][]Command
	redo map[string][]Command
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		undo: make(map[string][]Command),
		redo: make(map[string][]Command),
	}
}

func (h *MemoryHistory) PushUndo(_ context.Context, principal string, cmd Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo[principal] = append(h.undo[principal], cmd)
	return nil
}

func (h *MemoryHistory) PopUndo(_ context.Context, principal string) (Command, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stack := h.undo[principal]
	if len(stack) == 0 {
		return Command{}, fmt.Errorf("principal %s: %w", principal, ErrEmptyHistory)
	}
	cmd := stack[len(stack)-1]
	h.undo[principal] = stack[:len(stack)-1]
	return cmd, nil
}

func (h *MemoryHistory) PushRedo(_ context.Context, principal string, cmd Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redo[principal] = append(h.redo[principal], cmd)
	return nil
}

func (h *MemoryHistory) PopRedo(_ context.Context, principal string) (Command, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stack := h.redo[principal]
	if len(stack) == 0 {
		return Command{}, fmt.Errorf("principal %s: %w", principal, ErrEmptyRedoStack)
	}
	cmd := stack[len(stack)-1]
	h.redo[principal] = stack[:len(stack)-1]
	return cmd, nil
}

func (h *MemoryHistory) ClearRedo(_ context.Context, principal string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.redo, principal)
	return nil
}
