package audit

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"udpot/internal/query"
)

func TestParseDSN(t *testing.T) {
	cases := []struct {
		dsn     string
		want    string
		wantErr bool
	}{
		{"sqlite:///db.sqlite3", "db.sqlite3", false},
		{"sqlite:////var/lib/udpot/db.sqlite3", "/var/lib/udpot/db.sqlite3", false},
		{"sqlite://", ":memory:", false},
		{"sqlite://:memory:", ":memory:", false},
		{"sqlite:///:memory:", ":memory:", false},
		{"file:audit.db?cache=shared", "file:audit.db?cache=shared", false},
		{"/tmp/audit.db", "/tmp/audit.db", false},
		{"postgres://localhost/udpot", "", true},
		{"", "", true},
	}

	for _, tc := range cases {
		got, err := ParseDSN(tc.dsn)
		if tc.wantErr {
			if !errors.Is(err, ErrUnsupportedDSN) {
				t.Errorf("ParseDSN(%q): expected ErrUnsupportedDSN, got %v", tc.dsn, err)
			}
			continue
		}

		if err != nil || got != tc.want {
			t.Errorf("ParseDSN(%q) = (%q, %v), want %q", tc.dsn, got, err, tc.want)
		}
	}
}

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := OpenSQLStore("sqlite:///" + filepath.Join(t.TempDir(), "audit.sqlite3"))
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}

func TestSQLStoreInsertAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	names := []string{"a.example.", "b.example.", "c.example."}

	for i, name := range names {
		id, err := store.Insert(ctx, Entry{
			Transport:     "udp",
			SourceAddress: "10.0.0.5",
			SourcePort:    uint16(40000 + i),
			QueryName:     name,
			QueryType:     "A",
			QueryClass:    "IN",
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Insert(%s): %v", name, err)
		}
		if id != int64(i+1) {
			t.Errorf("Insert(%s) id = %d, want %d", name, id, i+1)
		}
	}

	count, err := store.Count(ctx)
	if err != nil || count != 3 {
		t.Fatalf("Count() = (%d, %v), want 3", count, err)
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(recent))
	}

	got := recent[0]
	want := Entry{
		ID:            3,
		Transport:     "udp",
		SourceAddress: "10.0.0.5",
		SourcePort:    40002,
		QueryName:     "c.example.",
		QueryType:     "A",
		QueryClass:    "IN",
		CreatedAt:     base.Add(2 * time.Second),
	}
	if got.ID != want.ID || got.QueryName != want.QueryName || got.SourcePort != want.SourcePort ||
		got.Transport != want.Transport || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("Recent()[0] = %+v, want %+v", got, want)
	}
	if recent[1].QueryName != "b.example." {
		t.Errorf("Recent()[1].QueryName = %s, want b.example.", recent[1].QueryName)
	}
}

func TestSQLStoreFailedInsertLeavesTableUnchanged(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Insert(context.Background(), Entry{Transport: "tcp", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Insert(ctx, Entry{Transport: "tcp", CreatedAt: time.Now()}); err == nil {
		t.Fatal("Insert with a cancelled context should fail")
	}

	count, err := store.Count(context.Background())
	if err != nil || count != 1 {
		t.Errorf("Count() = (%d, %v), want 1", count, err)
	}
}

func TestSQLStoreClosed(t *testing.T) {
	store, err := OpenSQLStore("sqlite://")
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	store.Close()

	if _, err := store.Insert(context.Background(), Entry{CreatedAt: time.Now()}); err == nil {
		t.Error("Insert on a closed store should fail")
	}
}

func TestOpenSQLStoreRejectsUnknownScheme(t *testing.T) {
	if _, err := OpenSQLStore("mysql://root@localhost/udpot"); !errors.Is(err, ErrUnsupportedDSN) {
		t.Errorf("expected ErrUnsupportedDSN, got %v", err)
	}
}

func TestEntryFromEvent(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := query.New(
		netip.MustParseAddrPort("[::ffff:10.0.0.5]:5353"),
		query.TCP,
		&query.Question{Name: "example.com.", Type: "MX", Class: "IN"},
		now,
	)

	got := EntryFromEvent(ev)
	want := Entry{
		Transport:     "tcp",
		SourceAddress: "10.0.0.5",
		SourcePort:    5353,
		QueryName:     "example.com.",
		QueryType:     "MX",
		QueryClass:    "IN",
		CreatedAt:     now,
	}

	if got != want {
		t.Errorf("EntryFromEvent() = %+v, want %+v", got, want)
	}
}
