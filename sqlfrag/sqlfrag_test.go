package sqlfrag

import (
	"reflect"
	"testing"
)

func TestOrdinaryBinds(t *testing.T) {
	f, err := New("values ", 1, ", ", "a", " bop")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if f.SQL != "values ?, ? bop" {
		t.Errorf("SQL = %q, want %q", f.SQL, "values ?, ? bop")
	}
	if !reflect.DeepEqual(f.Binds, []any{1, "a"}) {
		t.Errorf("Binds = %v, want [1 a]", f.Binds)
	}
}

func TestSingleValue(t *testing.T) {
	f, err := New("", 5, "")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if f.SQL != "?" {
		t.Errorf("SQL = %q, want %q", f.SQL, "?")
	}
	if !reflect.DeepEqual(f.Binds, []any{5}) {
		t.Errorf("Binds = %v, want [5]", f.Binds)
	}
}

func TestJSONTag(t *testing.T) {
	f, err := New(" ", "meep", "JSON, ", "moop", "JSONs, ", 7, "JSON")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if f.SQL != " ?, ?JSONs, ?" {
		t.Errorf("SQL = %q, want %q", f.SQL, " ?, ?JSONs, ?")
	}
	if !reflect.DeepEqual(f.Binds, []any{`"meep"`, "moop", "7"}) {
		t.Errorf("Binds = %v, want [\"meep\" moop 7]", f.Binds)
	}
}

func TestIDTag(t *testing.T) {
	f, err := New("ids ", 1, "ID, ", 2, "IDs ", `a"meep"whee`, "ID")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	wantSQL := `ids "1", ?IDs "a""meep""whee"`
	if f.SQL != wantSQL {
		t.Errorf("SQL = %q, want %q", f.SQL, wantSQL)
	}
	if !reflect.DeepEqual(f.Binds, []any{2}) {
		t.Errorf("Binds = %v, want [2]", f.Binds)
	}
}

func TestLITTag(t *testing.T) {
	f, err := New("", 1, "LIT, ", 2, "LITs ", `a"meep"whee`, "LIT")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	wantSQL := `1, ?LITs a"meep"whee`
	if f.SQL != wantSQL {
		t.Errorf("SQL = %q, want %q", f.SQL, wantSQL)
	}
	if !reflect.DeepEqual(f.Binds, []any{2}) {
		t.Errorf("Binds = %v, want [2]", f.Binds)
	}
}

func TestValToSQL(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{true, "1"},
		{false, "0"},
		{42, "42"},
		{"it's", "'it''s'"},
		{nil, "NULL"},
	}
	for _, c := range cases {
		if got := ValToSQL(c.in); got != c.want {
			t.Errorf("ValToSQL(%#v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent(`a"b`); got != `"a""b"` {
		t.Errorf("QuoteIdent = %q, want %q", got, `"a""b"`)
	}
}
