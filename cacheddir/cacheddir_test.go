package cacheddir

import (
	"testing"

	"github.com/asjoyner/capcache"
	"github.com/asjoyner/capcache/keyschedule"
	"github.com/asjoyner/capcache/remote/failstore"
	"github.com/asjoyner/capcache/remote/memstore"
)

func openSchedule(t *testing.T, rootcap string) *keyschedule.Schedule {
	t.Helper()
	sched, err := keyschedule.Open(t.TempDir(), rootcap)
	if err != nil {
		t.Fatalf("keyschedule.Open: %s", err)
	}
	return sched
}

func TestOpenColdPathFetchesAndPersists(t *testing.T) {
	sched := openSchedule(t, "rootcap")
	store := memstore.New()
	store.PutDir("", map[string]capcache.Node{
		"hello.txt": memstore.FileNode("URI:CHK:aaa", 5),
	})

	d, err := Open(sched, "", store)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if got := d.Listdir(); len(got) != 1 || got[0] != "hello.txt" {
		t.Errorf("Listdir() = %v, want [hello.txt]", got)
	}
	if infoCalls, _ := store.CallCounts(); infoCalls != 1 {
		t.Errorf("GetInfo calls = %d, want 1", infoCalls)
	}
}

func TestOpenWarmPathAvoidsRefetch(t *testing.T) {
	sched := openSchedule(t, "rootcap")
	store := memstore.New()
	store.PutDir("", map[string]capcache.Node{})

	if _, err := Open(sched, "", store); err != nil {
		t.Fatalf("first Open: %s", err)
	}
	if _, err := Open(sched, "", store); err != nil {
		t.Fatalf("second Open: %s", err)
	}
	if infoCalls, _ := store.CallCounts(); infoCalls != 1 {
		t.Errorf("GetInfo calls across two Opens = %d, want 1 (second should be warm)", infoCalls)
	}
}

func TestOpenColdPathFailureSurfacesFetchError(t *testing.T) {
	sched := openSchedule(t, "rootcap")
	_, err := Open(sched, "", failstore.New())
	if err == nil {
		t.Fatal("Open with a failing remote succeeded, want error")
	}
	if _, ok := err.(*capcache.FetchError); !ok {
		t.Errorf("err = %T, want *capcache.FetchError", err)
	}
}

func TestGetChildAttrDir(t *testing.T) {
	sched := openSchedule(t, "rootcap")
	store := memstore.New()
	child := memstore.DirNode()
	child.Attrs.Metadata.Tahoe.Linkcrtime = 1234
	store.PutDir("", map[string]capcache.Node{"sub": child})

	d, err := Open(sched, "", store)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	attr, err := d.GetChildAttr("sub")
	if err != nil {
		t.Fatalf("GetChildAttr: %s", err)
	}
	if attr.Type != "dir" || attr.Ctime != 1234 || attr.Mtime != 1234 {
		t.Errorf("attr = %+v, want type=dir ctime=mtime=1234", attr)
	}
}

func TestGetChildAttrFile(t *testing.T) {
	sched := openSchedule(t, "rootcap")
	store := memstore.New()
	store.PutDir("", map[string]capcache.Node{
		"f": memstore.FileNode("cap", 42),
	})

	d, err := Open(sched, "", store)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	attr, err := d.GetChildAttr("f")
	if err != nil {
		t.Fatalf("GetChildAttr: %s", err)
	}
	if attr.Type != "file" || attr.Size != 42 {
		t.Errorf("attr = %+v, want type=file size=42", attr)
	}
}

func TestGetChildAttrNotFound(t *testing.T) {
	sched := openSchedule(t, "rootcap")
	store := memstore.New()
	store.PutDir("", map[string]capcache.Node{})

	d, err := Open(sched, "", store)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := d.GetChildAttr("missing"); !capcache.IsNotFound(err) {
		t.Errorf("GetChildAttr(missing) err = %v, want NotFoundError", err)
	}
}

func TestOpenOnFileNodeIsBadEntry(t *testing.T) {
	sched := openSchedule(t, "rootcap")
	store := memstore.New()
	store.PutFile("onlyafile", "cap", []byte("x"))

	if _, err := Open(sched, "onlyafile", store); err == nil {
		t.Error("Open on a filenode path succeeded, want BadEntryError")
	} else if _, ok := err.(*capcache.BadEntryError); !ok {
		t.Errorf("err = %T, want *capcache.BadEntryError", err)
	}
}
