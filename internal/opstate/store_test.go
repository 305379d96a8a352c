package opstate

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestListEmpty(t *testing.T) {
	s := testStore(t)

	got, err := s.List("whatsapp_self_ids")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List() = %v, want empty non-nil map", got)
	}
}

func TestAdd_OnlyFirstWins(t *testing.T) {
	s := testStore(t)

	added, err := s.Add("whatsapp_self_ids", "123@lid", "first")
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if !added {
		t.Error("first Add() should report a new row")
	}

	added, err = s.Add("whatsapp_self_ids", "123@lid", "second")
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if added {
		t.Error("second Add() should report no new row")
	}

	got, _ := s.List("whatsapp_self_ids")
	if got["123@lid"] != "first" {
		t.Errorf("List()[123@lid] = %q, want original value kept", got["123@lid"])
	}
}

func TestListAndNamespaceIsolation(t *testing.T) {
	s := testStore(t)

	for _, kv := range [][3]string{
		{"target", "b", "2"},
		{"target", "a", "1"},
		{"other", "c", "3"},
	} {
		if _, err := s.Add(kv[0], kv[1], kv[2]); err != nil {
			t.Fatalf("Add(%v) error: %v", kv, err)
		}
	}

	got, err := s.List("target")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 || got["a"] != "1" || got["b"] != "2" {
		t.Errorf("List(target) = %v", got)
	}

	other, _ := s.List("other")
	if len(other) != 1 || other["c"] != "3" {
		t.Errorf("List(other) = %v, want only c", other)
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if _, err := s1.Add("whatsapp_self_ids", "92998994014333@lid", "learned"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	ids, err := s2.List("whatsapp_self_ids")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if _, ok := ids["92998994014333@lid"]; !ok {
		t.Errorf("List() after reopen = %v, want learned id", ids)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "missing", "nested", "db.sqlite"))
	if err == nil {
		t.Error("NewStore() should fail when the parent directory does not exist")
	}
}
