package audit

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *BboltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	st, err := NewBboltStore(path)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecordAndRecent(t *testing.T) {
	st := openTestStore(t)

	if err := st.RecordConnect("10.0.0.1:1111"); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	if err := st.RecordSubscribe("10.0.0.1:1111", []string{"a/b", "c/d"}); err != nil {
		t.Fatalf("RecordSubscribe: %v", err)
	}
	if err := st.RecordDisconnect("10.0.0.1:1111"); err != nil {
		t.Fatalf("RecordDisconnect: %v", err)
	}

	events, err := st.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	// newest first
	if events[0].Kind != KindDisconnect {
		t.Errorf("events[0].Kind = %v, want %v", events[0].Kind, KindDisconnect)
	}
	if events[1].Kind != KindSubscribe {
		t.Errorf("events[1].Kind = %v, want %v", events[1].Kind, KindSubscribe)
	}
	if len(events[1].Topics) != 2 || events[1].Topics[0] != "a/b" {
		t.Errorf("events[1].Topics = %v, want [a/b c/d]", events[1].Topics)
	}
	if events[2].Kind != KindConnect {
		t.Errorf("events[2].Kind = %v, want %v", events[2].Kind, KindConnect)
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	st := openTestStore(t)

	for i := 0; i < 5; i++ {
		if err := st.RecordOverflow("1.2.3.4:9999"); err != nil {
			t.Fatalf("RecordOverflow: %v", err)
		}
	}

	events, err := st.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Kind != KindOverflow {
			t.Errorf("event kind = %v, want %v", ev.Kind, KindOverflow)
		}
	}
}

func TestRecentZeroReturnsNil(t *testing.T) {
	st := openTestStore(t)
	events, err := st.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if events != nil {
		t.Errorf("Recent(0) = %v, want nil", events)
	}
}
