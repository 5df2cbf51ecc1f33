package requirements

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu      sync.Mutex
	counter int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return fmt.Sprintf("id-%03d", p.counter), nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []RowChange
}

func (p *recordingPublisher) PublishRowChange(change RowChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *recordingPublisher) snapshot() []RowChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RowChange(nil), p.changes...)
}

func newTestService(t *testing.T) (*Service, *recordingPublisher) {
	t.Helper()

	dsn := fmt.Sprintf("file:reqgrid_requirements_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Row{}, &RowRevision{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequenceIDProvider{},
		Publisher:  publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct requirements service: %v", err)
	}
	return service, publisher
}

func mustInsert(t *testing.T, service *Service, rowID string, properties map[string]any) Row {
	t.Helper()
	row, err := service.InsertRow(context.Background(), InsertRequest{
		BlockID:    BlockID("block-1"),
		RowID:      rowID,
		Properties: properties,
		Actor:      ActorID("user-a"),
	})
	if err != nil {
		t.Fatalf("InsertRow(%s) returned error: %v", rowID, err)
	}
	return row
}

func TestInsertRowAppendsToBlock(t *testing.T) {
	service, publisher := newTestService(t)

	first := mustInsert(t, service, "row-1", map[string]any{"title": "Login"})
	second := mustInsert(t, service, "", map[string]any{"title": "Logout"})

	if first.Version != 1 || first.Position != 0 {
		t.Fatalf("unexpected first row %+v", first)
	}
	if second.RowID != "id-002" || second.Position != 1 {
		t.Fatalf("expected generated id and next position, got %+v", second)
	}

	rows, err := service.ListRows(context.Background(), BlockID("block-1"))
	if err != nil {
		t.Fatalf("ListRows returned error: %v", err)
	}
	if len(rows) != 2 || rows[0].RowID != "row-1" || rows[1].RowID != "id-002" {
		t.Fatalf("unexpected row order %+v", rows)
	}
	if changes := publisher.snapshot(); len(changes) != 2 || changes[0].Operation != OperationInsert {
		t.Fatalf("expected two insert notifications, got %+v", changes)
	}
}

func TestUpdateRowIncrementsVersion(t *testing.T) {
	service, publisher := newTestService(t)
	mustInsert(t, service, "row-1", map[string]any{"title": "Login", "status": "open"})

	updated, err := service.UpdateRow(context.Background(), UpdateRequest{
		RowID:           RowID("row-1"),
		Properties:      map[string]any{"title": "Login", "status": "done"},
		ExpectedVersion: 1,
		Actor:           ActorID("user-b"),
	})
	if err != nil {
		t.Fatalf("UpdateRow returned error: %v", err)
	}
	if updated.Version != 2 || updated.UpdatedBy != "user-b" {
		t.Fatalf("unexpected updated row %+v", updated)
	}
	snapshot := updated.Snapshot()
	if snapshot.Properties["status"] != "done" {
		t.Fatalf("expected status done, got %v", snapshot.Properties["status"])
	}

	changes := publisher.snapshot()
	last := changes[len(changes)-1]
	if last.Operation != OperationUpdate || last.OldRow == nil || last.OldRow.Version != 1 {
		t.Fatalf("expected update notification with previous row, got %+v", last)
	}

	version, err := service.GetVersion(context.Background(), RowID("row-1"))
	if err != nil || version != 2 {
		t.Fatalf("expected version 2, got %d (%v)", version, err)
	}
}

func TestUpdateRowRejectsStaleVersion(t *testing.T) {
	service, publisher := newTestService(t)
	mustInsert(t, service, "row-1", map[string]any{"status": "open"})
	if _, err := service.UpdateRow(context.Background(), UpdateRequest{
		RowID:           RowID("row-1"),
		Properties:      map[string]any{"status": "review"},
		ExpectedVersion: 1,
		Actor:           ActorID("user-b"),
	}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	_, err := service.UpdateRow(context.Background(), UpdateRequest{
		RowID:           RowID("row-1"),
		Properties:      map[string]any{"status": "done"},
		ExpectedVersion: 1,
		Actor:           ActorID("user-a"),
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "requirements.update_row.version_conflict" {
		t.Fatalf("unexpected error code: %v", err)
	}

	stored, err := service.GetRow(context.Background(), RowID("row-1"))
	if err != nil {
		t.Fatalf("GetRow returned error: %v", err)
	}
	if stored.Version != 2 || stored.Properties["status"] != "review" {
		t.Fatalf("stale write must not change the row, got %+v", stored)
	}
	if changes := publisher.snapshot(); len(changes) != 2 {
		t.Fatalf("expected no notification for the rejected write, got %d", len(changes))
	}
}

func TestUpdateRowReportsMissingRow(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.UpdateRow(context.Background(), UpdateRequest{
		RowID:           RowID("row-404"),
		Properties:      map[string]any{},
		ExpectedVersion: 1,
		Actor:           ActorID("user-a"),
	})
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
	if _, err := service.GetVersion(context.Background(), RowID("row-404")); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound from GetVersion, got %v", err)
	}
}

func TestDeleteRowRecordsRevision(t *testing.T) {
	service, publisher := newTestService(t)
	mustInsert(t, service, "row-1", map[string]any{"status": "open"})

	deleted, err := service.DeleteRow(context.Background(), RowID("row-1"), ActorID("user-a"))
	if err != nil {
		t.Fatalf("DeleteRow returned error: %v", err)
	}
	if deleted.RowID != "row-1" {
		t.Fatalf("unexpected deleted row %+v", deleted)
	}
	if _, err := service.GetRow(context.Background(), RowID("row-1")); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected row gone, got %v", err)
	}
	if _, err := service.DeleteRow(context.Background(), RowID("row-1"), ActorID("user-a")); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound on second delete, got %v", err)
	}

	revisions, err := service.ListRevisions(context.Background(), RowID("row-1"))
	if err != nil {
		t.Fatalf("ListRevisions returned error: %v", err)
	}
	if len(revisions) != 2 || revisions[0].Operation != OperationInsert || revisions[1].Operation != OperationDelete {
		t.Fatalf("unexpected revisions %+v", revisions)
	}
	changes := publisher.snapshot()
	if last := changes[len(changes)-1]; last.Operation != OperationDelete {
		t.Fatalf("expected delete notification, got %s", last.Operation)
	}
}

func TestNewRowIDValidation(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		valid bool
	}{
		{name: "trimmed", input: "  row-1 ", valid: true},
		{name: "empty", input: "   ", valid: false},
		{name: "too long", input: string(make([]byte, maxIdentifierLength+1)), valid: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			id, err := NewRowID(testCase.input)
			if testCase.valid && (err != nil || id.String() != "row-1") {
				t.Fatalf("expected valid id, got %q (%v)", id, err)
			}
			if !testCase.valid && !errors.Is(err, ErrInvalidRowID) {
				t.Fatalf("expected ErrInvalidRowID, got %v", err)
			}
		})
	}
}
