package cachedfile

import (
	"bytes"
	"testing"

	"github.com/asjoyner/capcache"
	"github.com/asjoyner/capcache/keyschedule"
	"github.com/asjoyner/capcache/remote/failstore"
	"github.com/asjoyner/capcache/remote/memstore"
)

func openSchedule(t *testing.T) *keyschedule.Schedule {
	t.Helper()
	sched, err := keyschedule.Open(t.TempDir(), "URI:ROOT:test")
	if err != nil {
		t.Fatalf("keyschedule.Open: %s", err)
	}
	return sched
}

func TestOpenColdPathFetchesAndCachesFullRead(t *testing.T) {
	sched := openSchedule(t)
	store := memstore.New()
	want := bytes.Repeat([]byte("a"), 10000)
	store.PutFile("file.bin", "cap://file.bin", want)

	f, err := Open(sched, "file.bin", store)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close()

	if f.Size() != int64(len(want)) {
		t.Fatalf("Size() = %d, want %d", f.Size(), len(want))
	}

	got, err := f.Read(store, 0, int64(len(want)))
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read back data does not match what the remote store served")
	}
}

func TestReadIsIdempotentAndSparse(t *testing.T) {
	sched := openSchedule(t)
	store := memstore.New()
	want := bytes.Repeat([]byte("b"), 20000)
	store.PutFile("file.bin", "cap://file.bin", want)

	f, err := Open(sched, "file.bin", store)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close()

	// Read a small range in the middle first.
	got, err := f.Read(store, 5000, 1000)
	if err != nil {
		t.Fatalf("Read (middle): %s", err)
	}
	if !bytes.Equal(got, want[5000:6000]) {
		t.Error("middle read mismatch")
	}

	// Now read a range spanning before and after that one.
	got2, err := f.Read(store, 0, 20000)
	if err != nil {
		t.Fatalf("Read (whole): %s", err)
	}
	if !bytes.Equal(got2, want) {
		t.Error("full read after partial read mismatch")
	}

	// Reading the already-cached middle range again should still be correct.
	got3, err := f.Read(store, 5000, 1000)
	if err != nil {
		t.Fatalf("Read (middle again): %s", err)
	}
	if !bytes.Equal(got3, want[5000:6000]) {
		t.Error("repeat middle read mismatch")
	}
}

func TestCloseThenReopenAvoidsRefetchOfResidentRanges(t *testing.T) {
	sched := openSchedule(t)
	store := memstore.New()
	want := bytes.Repeat([]byte("c"), 10000)
	store.PutFile("file.bin", "cap://file.bin", want)

	f, err := Open(sched, "file.bin", store)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := f.Read(store, 0, 10000); err != nil {
		t.Fatalf("Read: %s", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	_, contentCallsBefore := store.CallCounts()

	f2, err := Open(sched, "file.bin", store)
	if err != nil {
		t.Fatalf("reopen Open: %s", err)
	}
	defer f2.Close()

	got, err := f2.Read(store, 0, 10000)
	if err != nil {
		t.Fatalf("reopen Read: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("reopened read mismatch")
	}

	_, contentCallsAfter := store.CallCounts()
	if contentCallsAfter != contentCallsBefore {
		t.Errorf("GetContent called %d more times after reopening a fully-resident file, want 0", contentCallsAfter-contentCallsBefore)
	}
}

func TestOpenColdPathFailureSurfacesFetchError(t *testing.T) {
	sched := openSchedule(t)
	_, err := Open(sched, "file.bin", failstore.New())
	if err == nil {
		t.Fatal("Open succeeded against a failing remote store, want error")
	}
	if _, ok := err.(*capcache.FetchError); !ok {
		t.Errorf("err = %T, want *capcache.FetchError", err)
	}
}

func TestOpenOnDirNodeIsBadEntry(t *testing.T) {
	sched := openSchedule(t)
	store := memstore.New()
	store.PutDir("adir", nil)

	_, err := Open(sched, "adir", store)
	if err == nil {
		t.Fatal("Open on a dirnode path succeeded, want BadEntryError")
	}
	if _, ok := err.(*capcache.BadEntryError); !ok {
		t.Errorf("err = %T, want *capcache.BadEntryError", err)
	}
}

func TestReadAcrossManyChunksReassemblesExactly(t *testing.T) {
	sched := openSchedule(t)
	store := memstore.New()
	want := make([]byte, 500000)
	for i := range want {
		want[i] = byte(i % 251)
	}
	store.PutFile("big.bin", "cap://big.bin", want)

	f, err := Open(sched, "big.bin", store)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close()

	got, err := f.Read(store, 0, int64(len(want)))
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("large multi-chunk read mismatch")
	}
}
