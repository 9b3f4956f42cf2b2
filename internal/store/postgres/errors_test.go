package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"qms/clinic-queue/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"lock timeout", &pgconn.PgError{Code: codeLockNotAvailable}, store.ErrTransient},
		{"serialization", &pgconn.PgError{Code: codeSerializationFailure}, store.ErrTransient},
		{"deadlock", &pgconn.PgError{Code: codeDeadlockDetected}, store.ErrTransient},
		{"canceled", &pgconn.PgError{Code: codeQueryCanceled}, store.ErrTransient},
		{"patient per day", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: constraintPatientPerDay}, store.ErrDuplicateEntry},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), store.ErrTransient},
		{"sentinel passthrough", store.ErrNoWaiting, store.ErrNoWaiting},
	}
	for _, tt := range cases {
		if got := classify(tt.err); !errors.Is(got, tt.want) {
			t.Fatalf("%s: classify=%v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClassifyLeavesOtherErrors(t *testing.T) {
	other := &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "queue_entries_number_key"}
	got := classify(other)
	if errors.Is(got, store.ErrDuplicateEntry) || errors.Is(got, store.ErrTransient) {
		t.Fatalf("unexpected classification %v", got)
	}
	if classify(nil) != nil {
		t.Fatalf("expected nil")
	}
}
