package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testDefaults() *Guild {
	return DefaultGuild("!", "english")
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "data.json"), testDefaults)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNewCreatesEmptyDocument(t *testing.T) {
	s := newTestStore(t)

	d, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(d.Guilds) != 0 {
		t.Errorf("new store has %d guilds, want 0", len(d.Guilds))
	}
}

func TestNewKeepsExistingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	s, err := New(path, testDefaults)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Apply([]Op{{Guild: "g1", Action: ActionAddGuild}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// Reopening must not truncate.
	s2, err := New(path, testDefaults)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	d, err := s2.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := d.Guilds["g1"]; !ok {
		t.Error("guild g1 lost after reopening the store")
	}
}

func TestLoadCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	s, err := New(path, testDefaults)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil {
		t.Error("Load() of corrupt file returned nil error")
	}
}

func TestApplyAddGuildUsesDefaults(t *testing.T) {
	s := newTestStore(t)

	if err := s.Apply([]Op{{Guild: "g1", Action: ActionAddGuild}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	d, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	g := d.Guilds["g1"]
	if g == nil {
		t.Fatal("guild g1 not created")
	}
	if g.Message != DefaultMessage {
		t.Errorf("message = %q, want default %q", g.Message, DefaultMessage)
	}
	if g.Prefix != "!" || g.Language != "english" {
		t.Errorf("prefix/language = %q/%q, want !/english", g.Prefix, g.Language)
	}
	if g.Streamers == nil || g.Reactions == nil {
		t.Error("list fields not initialized")
	}
}

func TestApplyOps(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	ops := []Op{
		{Guild: "g1", Action: ActionAddGuild},
		{Guild: "g1", Field: "streamers", Action: ActionAppend, Value: Streamer{Name: "alice"}},
		{Guild: "g1", Field: "streamers", Action: ActionAppend, Value: Streamer{Name: "bob", LastStartedAt: started}},
		{Guild: "g1", Field: "announcementChannel", Action: ActionReplace, Value: "123"},
		{Guild: "g1", Field: "reactions", Action: ActionAppend, Value: "👍"},
		{Guild: "g1", Field: "operator", Action: ActionAppend, Value: "42"},
		{Guild: "g1", Field: "message", Action: ActionReplace, Value: "%name% is live"},
	}
	if err := s.Apply(ops); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	d, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	g := d.Guilds["g1"]
	wantStreamers := []Streamer{{Name: "alice"}, {Name: "bob", LastStartedAt: started}}
	if diff := cmp.Diff(wantStreamers, g.Streamers); diff != "" {
		t.Errorf("streamers mismatch (-want +got):\n%s", diff)
	}
	if g.AnnouncementChannel != "123" {
		t.Errorf("announcementChannel = %q, want 123", g.AnnouncementChannel)
	}
	if diff := cmp.Diff([]string{"👍"}, g.Reactions); diff != "" {
		t.Errorf("reactions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"42"}, g.Operators); diff != "" {
		t.Errorf("operators mismatch (-want +got):\n%s", diff)
	}
	if g.Message != "%name% is live" {
		t.Errorf("message = %q", g.Message)
	}
}

func TestApplyRemoveRange(t *testing.T) {
	s := newTestStore(t)
	if err := s.Apply([]Op{
		{Guild: "g1", Action: ActionAddGuild},
		{Guild: "g1", Field: "reactions", Action: ActionAppend, Value: "a"},
		{Guild: "g1", Field: "reactions", Action: ActionAppend, Value: "b"},
		{Guild: "g1", Field: "reactions", Action: ActionAppend, Value: "c"},
	}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if err := s.Apply([]Op{{Guild: "g1", Field: "reactions", Action: ActionRemoveRange, Value: Range{Start: 1, Count: 1}}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	d, _ := s.Load()
	if diff := cmp.Diff([]string{"a", "c"}, d.Guilds["g1"].Reactions); diff != "" {
		t.Errorf("reactions mismatch (-want +got):\n%s", diff)
	}
}

func TestApplySkipsBadOps(t *testing.T) {
	s := newTestStore(t)

	// The middle op targets an unknown field; the ones around it must
	// still land.
	ops := []Op{
		{Guild: "g1", Action: ActionAddGuild},
		{Guild: "g1", Field: "bogus", Action: ActionReplace, Value: "x"},
		{Guild: "g1", Field: "prefix", Action: ActionReplace, Value: "?"},
	}
	if err := s.Apply(ops); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	d, _ := s.Load()
	if got := d.Guilds["g1"].Prefix; got != "?" {
		t.Errorf("prefix = %q, want ? (op after the bad one must apply)", got)
	}
}

func TestApplyRemoveGuild(t *testing.T) {
	s := newTestStore(t)
	if err := s.Apply([]Op{{Guild: "g1", Action: ActionAddGuild}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := s.Apply([]Op{{Guild: "g1", Action: ActionRemoveGuild}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	d, _ := s.Load()
	if _, ok := d.Guilds["g1"]; ok {
		t.Error("guild g1 still present after ActionRemoveGuild")
	}
}

func TestApplyConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	if err := s.Apply([]Op{{Guild: "g1", Action: ActionAddGuild}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// Two writers appending concurrently, as the poll loop and a command
	// handler do. Every append must survive the read-modify-write.
	const writers = 2
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				op := Op{Guild: "g1", Field: "reactions", Action: ActionAppend, Value: fmt.Sprintf("%d-%d", w, i)}
				if err := s.Apply([]Op{op}); err != nil {
					t.Errorf("Apply() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	d, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := len(d.Guilds["g1"].Reactions); got != writers*perWriter {
		t.Errorf("%d of %d appended reactions survived", got, writers*perWriter)
	}
}

func TestFillDefaults(t *testing.T) {
	g := &Guild{Streamers: []Streamer{{Name: "alice"}}, Message: "custom"}
	ops := FillDefaults("g1", g, "!", "english")

	fields := make(map[string]bool)
	for _, op := range ops {
		fields[op.Field] = true
	}
	for _, want := range []string{"reactions", "time", "prefix", "language"} {
		if !fields[want] {
			t.Errorf("FillDefaults missing op for %q", want)
		}
	}
	if fields["streamers"] || fields["message"] {
		t.Error("FillDefaults touched fields that were already set")
	}

	whole := DefaultGuild("!", "english")
	if got := FillDefaults("g1", whole, "!", "english"); len(got) != 0 {
		t.Errorf("FillDefaults on a whole record returned %d ops, want 0", len(got))
	}
}
