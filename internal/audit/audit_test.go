package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/db"
)

// #region helpers
func setupLog(t *testing.T) *Log {
	t.Helper()
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	l, err := NewLog(sqlDB, nil)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
		sqlDB.Close()
	})
	return l
}

// #endregion helpers

func TestRecordAdaptations_Flushed(t *testing.T) {
	l := setupLog(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	l.RecordAdaptations(
		AdaptationRecord{UserID: "u1", FeatureID: "labs", Action: ActionPromoted, OldPosition: 3, NewPosition: 1, CreatedAt: base},
		AdaptationRecord{UserID: "u1", FeatureID: "vitals", Action: ActionDemoted, OldPosition: 1, NewPosition: 2, CreatedAt: base.Add(time.Second)},
		AdaptationRecord{UserID: "u2", FeatureID: "labs", Action: ActionMaintained, OldPosition: 1, NewPosition: 1},
	)
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := l.RecentAdaptations(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentAdaptations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].FeatureID != "vitals" || got[0].Action != ActionDemoted {
		t.Errorf("expected newest first, got %+v", got[0])
	}
	if got[1].ID == "" {
		t.Error("expected generated id")
	}
}

func TestRecordEvent_FilterAndCount(t *testing.T) {
	l := setupLog(t)
	ctx := context.Background()

	l.RecordEvent(LearningEvent{Type: EventStudyStarted, StudyID: "s1", Message: "started"})
	l.RecordEvent(LearningEvent{Type: EventRollback, StudyID: "s1", Severity: "high", Message: "rolled back"})
	l.RecordEvent(LearningEvent{Type: EventRollback, StudyID: "s2", Message: "rolled back"})
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rollbacks, err := l.RecentEvents(ctx, 10, EventRollback)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(rollbacks) != 2 {
		t.Fatalf("expected 2 rollbacks, got %d", len(rollbacks))
	}

	all, _ := l.RecentEvents(ctx, 10)
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	counts, err := l.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if counts[EventRollback] != 2 || counts[EventStudyStarted] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestRecordEvent_InvalidActionRejectedByCheck(t *testing.T) {
	l := setupLog(t)
	ctx := context.Background()
	l.RecordAdaptations(AdaptationRecord{UserID: "u1", FeatureID: "labs", Action: "exploded"})
	l.Flush(ctx)

	got, _ := l.RecentAdaptations(ctx, "u1", 10)
	if len(got) != 0 {
		t.Fatalf("expected CHECK constraint to reject unknown action, got %d rows", len(got))
	}
}
