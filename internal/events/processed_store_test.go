package events

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestProcessedStoreRoundTrip(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewProcessedStore(mock)

	mock.ExpectQuery("SELECT 1 FROM processed_events").
		WithArgs("bridge", "evt-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}))
	seen, err := store.AlreadyProcessed(context.Background(), "bridge", "evt-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if seen {
		t.Fatal("expected unseen event")
	}

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("bridge", "evt-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	inserted, err := store.MarkProcessed(context.Background(), "bridge", "evt-1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !inserted {
		t.Fatal("expected insert to report a new row")
	}

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("bridge", "evt-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	inserted, err = store.MarkProcessed(context.Background(), "bridge", "evt-1")
	if err != nil {
		t.Fatalf("mark dup: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate insert to report no new row")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
