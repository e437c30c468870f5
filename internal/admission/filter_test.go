package admission

import (
	"testing"
	"time"
)

func TestCommittedFilter_AddAndTest(t *testing.T) {
	f := newCommittedFilter(time.Hour, 1000, 0.001)

	if f.Test("msg-1") {
		t.Error("Test() = true for never-added id, want false")
	}

	f.Add("msg-1")
	if !f.Test("msg-1") {
		t.Error("Test() = false after Add, want true")
	}
}

func TestCommittedFilter_RotationKeepsOneWindow(t *testing.T) {
	f := newCommittedFilter(time.Hour, 1000, 0.001)
	f.Add("msg-1")

	// One rotation moves the id to the previous filter; it stays visible.
	f.Rotate()
	if !f.Test("msg-1") {
		t.Error("Test() = false after one rotation, want true")
	}

	// A second rotation drops it.
	f.Rotate()
	if f.Test("msg-1") {
		t.Error("Test() = true after two rotations, want false")
	}
}
