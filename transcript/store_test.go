package transcript

import (
	"errors"
	"testing"
)

func TestStreamingLifecycle(t *testing.T) {
	s := NewStore()
	var seen []Entry
	s.Subscribe(func(e Entry) { seen = append(seen, e) })

	id := s.AddSystemStreaming("a", "sess")
	if err := s.UpdateText(id, "ab"); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeSystem(id, "abc"); err != nil {
		t.Fatal(err)
	}

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e.Text != "abc" || e.Status != StatusFinal || e.SessionID != "sess" || e.Author != AuthorSystem {
		t.Errorf("unexpected entry %+v", e)
	}
	if !e.Sealed() {
		t.Error("final entry not sealed")
	}

	wantTexts := []string{"a", "ab", "abc"}
	if len(seen) != len(wantTexts) {
		t.Fatalf("observer saw %d changes", len(seen))
	}
	for i, w := range wantTexts {
		if seen[i].Text != w {
			t.Errorf("change %d: %q, want %q", i, seen[i].Text, w)
		}
	}
}

func TestSealedEntriesRejectUpdates(t *testing.T) {
	s := NewStore()

	final := s.AddSystemFinal("done", "s1")
	failed := s.AddSystemError("boom", "s2")
	open := s.AddSystemStreaming("x", "s3")
	if err := s.FailSystem(open, "lost"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{final, failed, open} {
		if err := s.UpdateText(id, "more"); !errors.Is(err, ErrSealed) {
			t.Errorf("UpdateText(%s): got %v", id, err)
		}
		if err := s.FinalizeSystem(id, "more"); !errors.Is(err, ErrSealed) {
			t.Errorf("FinalizeSystem(%s): got %v", id, err)
		}
		if err := s.FailSystem(id, "more"); !errors.Is(err, ErrSealed) {
			t.Errorf("FailSystem(%s): got %v", id, err)
		}
	}

	e, _ := s.Get(open)
	if e.Status != StatusError || e.Text != "x [lost]" {
		t.Errorf("failed entry %+v", e)
	}
	e, _ = s.Get(failed)
	if e.Text != "boom" {
		t.Errorf("error entry text %q", e.Text)
	}
}

func TestUnknownEntry(t *testing.T) {
	s := NewStore()
	if err := s.UpdateText("nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v", err)
	}
	if _, err := s.ToggleFavorite("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestToggleFavorite(t *testing.T) {
	s := NewStore()
	id := s.AddSystemFinal("keep me", "s")

	fav, err := s.ToggleFavorite(id)
	if err != nil || !fav {
		t.Fatalf("first toggle: %v, %v", fav, err)
	}
	fav, _ = s.ToggleFavorite(id)
	if fav {
		t.Error("second toggle did not clear")
	}
}

func TestSessionFilter(t *testing.T) {
	s := NewStore()
	s.AddSystemFinal("one", "a")
	s.AddSystemFinal("two", "b")
	s.AddSystemError("three", "a")

	got := s.Session("a")
	if len(got) != 2 || got[0].Text != "one" || got[1].Text != "three" {
		t.Errorf("got %+v", got)
	}
	if ids := map[string]bool{got[0].ID: true, got[1].ID: true}; len(ids) != 2 {
		t.Error("entry ids not unique")
	}
}
