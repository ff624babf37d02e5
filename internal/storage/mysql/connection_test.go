package mysql

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestIsDuplicate(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	if !IsDuplicate(dup) {
		t.Fatalf("expected wrapped 1062 to be a duplicate")
	}
	if IsDuplicate(&mysql.MySQLError{Number: 1213}) {
		t.Fatalf("deadlock is not a duplicate")
	}
	if IsDuplicate(errors.New("plain")) {
		t.Fatalf("plain error is not a duplicate")
	}
	if !IsDeadlock(&mysql.MySQLError{Number: 1213}) {
		t.Fatalf("expected deadlock detection")
	}
}

func TestMillisRoundTrip(t *testing.T) {
	if UnixMillis(time.Time{}) != 0 || !FromMillis(0).IsZero() {
		t.Fatalf("zero time must map to 0")
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 5_000_000, time.UTC)
	if got := FromMillis(UnixMillis(now)); !got.Equal(now) {
		t.Fatalf("round trip mismatch: %v != %v", got, now)
	}
}
