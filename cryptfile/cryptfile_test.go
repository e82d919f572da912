package cryptfile

import (
	"bytes"
	"path/filepath"
	"testing"
)

func testKey(b byte) *[32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return &k
}

func TestCreateEmptyHasZeroSize(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	f, err := Open(p, testKey(1), CreateTruncate)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close()
	if f.Size() != 0 {
		t.Errorf("Size() = %d, want 0", f.Size())
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	f, err := Open(p, testKey(2), CreateTruncate)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close()

	want := bytes.Repeat([]byte("capcache"), 2000) // spans multiple blocks
	if _, err := f.WriteAt(want, 100); err != nil {
		t.Fatalf("WriteAt: %s", err)
	}
	if got, want := f.Size(), int64(100+len(want)); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}

	got := make([]byte, len(want))
	if _, err := f.ReadAt(got, 100); err != nil {
		t.Fatalf("ReadAt: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read back data does not match what was written")
	}
}

func TestReadPersistsAcrossReopen(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	key := testKey(3)
	want := []byte("hello, persisted world")

	f, err := Open(p, key, CreateTruncate)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := f.WriteAt(want, 0); err != nil {
		t.Fatalf("WriteAt: %s", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	f2, err := Open(p, key, ReadWrite)
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	defer f2.Close()
	if f2.Size() != int64(len(want)) {
		t.Fatalf("Size() = %d, want %d", f2.Size(), len(want))
	}
	got := make([]byte, len(want))
	if _, err := f2.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read back data does not match what was written before close")
	}
}

func TestWrongKeyFailsToOpen(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	f, err := Open(p, testKey(4), CreateTruncate)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := f.WriteAt([]byte("secret"), 0); err != nil {
		t.Fatalf("WriteAt: %s", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	if _, err := Open(p, testKey(5), ReadWrite); err == nil {
		t.Error("Open with wrong key succeeded, want error")
	}
}

func TestTruncateGrowThenShrink(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	f, err := Open(p, testKey(6), CreateTruncate)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close()

	if err := f.Truncate(10000); err != nil {
		t.Fatalf("grow Truncate: %s", err)
	}
	if f.Size() != 10000 {
		t.Fatalf("Size() = %d, want 10000", f.Size())
	}
	buf := make([]byte, 10000)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt after grow: %s", err)
	}

	if err := f.Truncate(5); err != nil {
		t.Fatalf("shrink Truncate: %s", err)
	}
	if f.Size() != 5 {
		t.Fatalf("Size() = %d, want 5", f.Size())
	}
	if _, err := f.ReadAt(make([]byte, 10), 0); err == nil {
		t.Error("ReadAt past shrunk size succeeded, want error")
	}
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	f, err := Open(p, testKey(7), CreateTruncate)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := f.WriteAt([]byte("x"), 0); err != nil {
		t.Fatalf("WriteAt: %s", err)
	}
	f.Close()

	ro, err := Open(p, testKey(7), ReadOnly)
	if err != nil {
		t.Fatalf("reopen read-only: %s", err)
	}
	defer ro.Close()
	if _, err := ro.WriteAt([]byte("y"), 0); err == nil {
		t.Error("WriteAt on read-only file succeeded, want error")
	}
}

func TestFillRandomProducesExactSize(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	f, err := Open(p, testKey(8), CreateTruncate)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close()

	if err := f.FillRandom(9000); err != nil {
		t.Fatalf("FillRandom: %s", err)
	}
	if f.Size() != 9000 {
		t.Fatalf("Size() = %d, want 9000", f.Size())
	}
	buf := make([]byte, 9000)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %s", err)
	}
}
