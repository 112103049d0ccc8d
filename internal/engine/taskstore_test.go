package engine

import (
	"testing"

	"github.com/basket/taskshell/internal/task"
)

func TestTaskStore_OrderAndLookup(t *testing.T) {
	s := NewTaskStore()
	t1 := task.New("first")
	t2 := task.New("second")
	t3 := task.New("third")
	s.Append(t1)
	s.Append(t2)
	s.Append(t3)

	if s.Len() != 3 {
		t.Fatalf("len = %d", s.Len())
	}
	if got := s.Find(t2.ID); got == nil || got.ID != t2.ID {
		t.Fatalf("Find returned %v", got)
	}
	if got := s.Find("missing"); got != nil {
		t.Fatalf("Find(missing) = %v, want nil", got)
	}

	list := s.List()
	if list[0].ID != t1.ID || list[1].ID != t2.ID || list[2].ID != t3.ID {
		t.Fatal("List not in submission order")
	}
}

func TestTaskStore_SnapshotsAreIndependent(t *testing.T) {
	s := NewTaskStore()
	t1 := task.New("first")
	s.Append(t1)

	snap := s.Find(t1.ID)
	s.Update(t1, func(live *task.Task) {
		live.State = task.StateRunning
		live.Summary = "in flight"
	})

	if snap.State != task.StateQueued || snap.Summary != "" {
		t.Fatalf("snapshot mutated: %+v", snap)
	}
	if got := s.Find(t1.ID); got.State != task.StateRunning || got.Summary != "in flight" {
		t.Fatalf("update not visible: %+v", got)
	}
}

func TestTaskStore_NextQueued(t *testing.T) {
	s := NewTaskStore()
	t1 := task.New("first")
	t2 := task.New("second")
	s.Append(t1)
	s.Append(t2)

	if got := s.NextQueued(); got != t1 {
		t.Fatalf("NextQueued = %v, want t1", got)
	}
	t1.State = task.StateRunning
	if got := s.NextQueued(); got != t2 {
		t.Fatalf("NextQueued = %v, want t2", got)
	}
	t1.State = task.StateComplete
	t2.State = task.StateComplete
	if got := s.NextQueued(); got != nil {
		t.Fatalf("NextQueued = %v, want nil", got)
	}
}

func TestTaskStore_FindAwaitingResponse(t *testing.T) {
	s := NewTaskStore()
	t1 := task.New("first")
	t2 := task.New("second")
	t3 := task.New("third")
	s.Append(t1)
	s.Append(t2)
	s.Append(t3)

	if got := s.FindAwaitingResponse(); len(got) != 0 {
		t.Fatalf("awaiting = %v", got)
	}
	t1.State = task.StateAwaitingResponse
	t3.State = task.StateAwaitingResponse

	awaiting := s.FindAwaitingResponse()
	if len(awaiting) != 2 || awaiting[0] != t1 || awaiting[1] != t3 {
		t.Fatalf("awaiting = %v", awaiting)
	}
}
