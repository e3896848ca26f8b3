package dbsrc

import "testing"

func TestRoundTripPureGoSQLite(t *testing.T) {
	s, err := OpenPureGoSQLite("sqlite://:memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	want := []byte{0xCA, 0xFE, 0xBA, 0xBE}
	if err := s.Put("com/example/Hello", want); err != nil {
		t.Fatal(err)
	}

	got, err := s.TryLoad("com/example/Hello")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestTryLoadMissReturnsNilNil(t *testing.T) {
	s, err := OpenPureGoSQLite("sqlite://:memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	b, err := s.TryLoad("does/not/Exist")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatalf("expected nil bytes on a miss, got %x", b)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open("ftp://wherever"); err == nil {
		t.Fatal("expected an error for an unsupported DSN scheme")
	}
}

func TestOpenRejectsMissingScheme(t *testing.T) {
	if _, err := Open("not-a-dsn"); err == nil {
		t.Fatal("expected an error for a DSN with no scheme")
	}
}
