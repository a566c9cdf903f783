package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestLike(t *testing.T) {
	if Like(SQLite3) != "LIKE" {
		t.Errorf("sqlite: got %q", Like(SQLite3))
	}
	if Like(PGX) != "ILIKE" {
		t.Errorf("pgx: got %q", Like(PGX))
	}
}

func TestNow(t *testing.T) {
	if Now(SQLite3) != "datetime('now')" {
		t.Errorf("sqlite: got %q", Now(SQLite3))
	}
	if Now(PGX) != "NOW()" {
		t.Errorf("pgx: got %q", Now(PGX))
	}
}

func TestTimestamp(t *testing.T) {
	if Timestamp(SQLite3) != "TIMESTAMP" {
		t.Errorf("sqlite: got %q", Timestamp(SQLite3))
	}
	if Timestamp(PGX) != "TIMESTAMPTZ" {
		t.Errorf("pgx: got %q", Timestamp(PGX))
	}
}

func TestUpsertConflict(t *testing.T) {
	got := UpsertConflict(SQLite3, "id", "value", "updated_at")
	want := "ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
