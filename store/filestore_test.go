package store

import "testing"

func TestFileStorePutGetKeyAndSession(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)

	if err := s.PutKey("car-1", []byte("authkey")); err != nil {
		t.Fatalf("PutKey: %v", err)
	}
	if err := s.PutSession("car-1", []byte("session-blob")); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	key, err := s.GetKey("car-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if string(key) != "authkey" {
		t.Fatalf("GetKey = %q, want %q", key, "authkey")
	}

	session, err := s.GetSession("car-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if string(session) != "session-blob" {
		t.Fatalf("GetSession = %q, want %q", session, "session-blob")
	}
}

func TestFileStoreGetMissingReturnsErrNotFound(t *testing.T) {
	s := NewFileStore(t.TempDir())
	if _, err := s.GetKey("nope"); err != ErrNotFound {
		t.Fatalf("GetKey: err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreListIDsAndDelete(t *testing.T) {
	s := NewFileStore(t.TempDir())
	if err := s.PutKey("car-a", []byte("a")); err != nil {
		t.Fatalf("PutKey(car-a): %v", err)
	}
	if err := s.PutKey("car-b", []byte("b")); err != nil {
		t.Fatalf("PutKey(car-b): %v", err)
	}

	ids, err := s.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ListIDs = %v, want 2 entries", ids)
	}

	if err := s.Delete("car-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, err = s.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs after delete: %v", err)
	}
	if len(ids) != 1 || ids[0] != "car-b" {
		t.Fatalf("ListIDs after delete = %v, want [car-b]", ids)
	}
}

func TestFileStoreDeleteMissingIsNoOp(t *testing.T) {
	s := NewFileStore(t.TempDir())
	if err := s.Delete("nope"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}
}
