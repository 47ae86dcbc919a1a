package payload

import (
	"strings"
	"testing"
	"time"

	"github.com/resplendentdata/syncagent/internal/adapter"
)

func TestEncodeColumnsAndDtypes(t *testing.T) {
	rs := &adapter.RowSet{
		Columns: []string{"id", "name", "created_at"},
		Rows: [][]any{
			{int64(1), "alice", time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)},
			{int64(2), "bob", time.Date(2026, 7, 31, 13, 0, 0, 0, time.UTC)},
		},
	}

	p, err := Encode(rs, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(p.Values) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(p.Values))
	}
	wantDtypes := []string{"int64", "object", "datetime64[ns]"}
	for i, want := range wantDtypes {
		if p.Dtypes[i] != want {
			t.Fatalf("dtype[%d] = %q, want %q", i, p.Dtypes[i], want)
		}
	}
}

func TestEncodeCastsObjectColumnsToString(t *testing.T) {
	rs := &adapter.RowSet{
		Columns: []string{"raw"},
		Rows: [][]any{
			{[]byte("hello")},
			{42},
		},
	}
	p, err := Encode(rs, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if p.Values[0][0] != "hello" {
		t.Fatalf("expected []byte cast to string, got %#v", p.Values[0][0])
	}
}

func TestEncodeHandlesNulls(t *testing.T) {
	rs := &adapter.RowSet{
		Columns: []string{"maybe"},
		Rows: [][]any{
			{nil},
			{int64(5)},
		},
	}
	p, err := Encode(rs, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if p.Values[0][0] != nil {
		t.Fatalf("expected nil to round-trip as nil, got %#v", p.Values[0][0])
	}
}

func TestEncodeLocalizesTimestampsToColumnTimezone(t *testing.T) {
	rs := &adapter.RowSet{
		Columns: []string{"event_time"},
		Rows: [][]any{
			{time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)},
		},
	}
	p, err := Encode(rs, map[string]string{"event_time": "America/New_York"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, ok := p.Values[0][0].(string)
	if !ok {
		t.Fatalf("expected timestamp encoded as string, got %#v", p.Values[0][0])
	}
	if got == "" {
		t.Fatalf("expected non-empty formatted timestamp")
	}
}

func TestEncodeDefaultsToUTCWithoutOverride(t *testing.T) {
	rs := &adapter.RowSet{
		Columns: []string{"event_time"},
		Rows: [][]any{
			{time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)},
		},
	}
	p, err := Encode(rs, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got := p.Values[0][0].(string)
	want := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMarshalProducesExpectedKeys(t *testing.T) {
	p := &Payload{Columns: []string{"a"}, Dtypes: []string{"int64"}, Values: [][]any{{int64(1)}}}
	b, err := Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(b)
	for _, key := range []string{`"values"`, `"columns"`, `"dtypes"`} {
		if !strings.Contains(s, key) {
			t.Fatalf("expected marshaled payload to contain %s, got %s", key, s)
		}
	}
}
