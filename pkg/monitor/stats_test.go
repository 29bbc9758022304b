package monitor

import "testing"

func TestFlashStatsCounts(t *testing.T) {
	fs := NewFlashStats()
	fs.RecordRead(16)
	fs.RecordRead(4)
	fs.RecordWrite(8)
	fs.RecordErase(2)

	snap := fs.Snapshot()
	if snap.ReadCount != 2 || snap.BytesRead != 20 {
		t.Fatalf("unexpected read stats: %+v", snap)
	}
	if snap.WriteCount != 1 || snap.BytesWritten != 8 {
		t.Fatalf("unexpected write stats: %+v", snap)
	}
	if snap.EraseCount != 2 {
		t.Fatalf("expected 2 erased sectors, got %d", snap.EraseCount)
	}
	if got := fs.GetWritesPerErase(); got != 0.5 {
		t.Fatalf("writes per erase: got %v, want 0.5", got)
	}

	fs.Reset()
	if snap := fs.Snapshot(); snap != (FlashStats{}) {
		t.Fatalf("expected zero stats after reset, got %+v", snap)
	}
}

func TestWritesPerEraseWithoutErases(t *testing.T) {
	fs := NewFlashStats()
	if got := fs.GetWritesPerErase(); got != 0 {
		t.Fatalf("empty stats: got %v", got)
	}
	fs.RecordWrite(4)
	fs.RecordWrite(4)
	if got := fs.GetWritesPerErase(); got != 2 {
		t.Fatalf("writes without erase: got %v", got)
	}
}
