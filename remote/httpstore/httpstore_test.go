package httpstore

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/asjoyner/capcache"
)

func TestGetInfoDecodesNodeJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.URL.Path, "/info/hello.txt"; got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
		w.Write([]byte(`["filenode", {"size": 5, "ro_uri": "URI:CHK:aaa"}]`))
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	node, err := s.GetInfo("hello.txt")
	if err != nil {
		t.Fatalf("GetInfo: %s", err)
	}
	if node.Kind != "filenode" || node.Attrs.Size != 5 {
		t.Errorf("node = %+v, want filenode size 5", node)
	}
}

func TestGetInfo404IsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	if _, err := s.GetInfo("nope"); !capcache.IsNotFound(err) {
		t.Errorf("GetInfo on a 404 = %v, want NotFoundError", err)
	}
}

func TestGetContentHonorsRangeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("Range"), "bytes=2-5"; got != want {
			t.Errorf("Range header = %q, want %q", got, want)
		}
		w.Write([]byte("wxyz"))
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	rc, err := s.GetContent("cap", 2, 4)
	if err != nil {
		t.Fatalf("GetContent: %s", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %s", err)
	}
	if string(got) != "wxyz" {
		t.Errorf("body = %q, want %q", got, "wxyz")
	}
}

func TestGetContent404Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	if _, err := s.GetContent("cap", 0, 4); err == nil {
		t.Error("GetContent on a 404 succeeded, want error")
	}
}
