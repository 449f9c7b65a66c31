package backends

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBlobRevision(t *testing.T) {
	// git hash-object of an empty file and of "hello\n".
	cases := []struct {
		body []byte
		want string
	}{
		{[]byte{}, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
		{[]byte("hello\n"), "ce013625030ba8dba906f756967f9e9ca394464a"},
	}
	for _, tc := range cases {
		if got := BlobRevision(tc.body); got != tc.want {
			t.Errorf("BlobRevision(%q) = %s, want %s", tc.body, got, tc.want)
		}
	}
}

func TestContentRevisionStable(t *testing.T) {
	body := []byte(`{"symbol":"2330.TW"}`)
	if ContentRevision(body) != ContentRevision(body) {
		t.Fatal("same content must map to same revision")
	}
	if ContentRevision(body) == ContentRevision([]byte(`{}`)) {
		t.Fatal("different content must map to different revisions")
	}
}

func TestKindClassification(t *testing.T) {
	cases := []struct {
		err       error
		kind      Kind
		retryable bool
	}{
		{&Error{Backend: "supabase", Kind: Transient, Err: errors.New("timeout")}, Transient, true},
		{&Error{Backend: "github", Kind: Conflict, Err: errors.New("sha mismatch")}, Conflict, true},
		{&Error{Backend: "supabase", Kind: QuotaExceeded, Err: errors.New("quota")}, QuotaExceeded, false},
		{&Error{Backend: "github", Kind: Unauthorized, Err: errors.New("bad token")}, Unauthorized, false},
		{errors.New("plain network error"), Transient, true},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.kind)
		}
		if got := Retryable(tc.err); got != tc.retryable {
			t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}

func TestSupabasePutAndHead(t *testing.T) {
	stored := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/prices/")
		switch r.Method {
		case "POST":
			body, _ := io.ReadAll(r.Body)
			stored[path] = body
			w.WriteHeader(http.StatusOK)
		case "GET":
			body, ok := stored[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(body)
		}
	}))
	defer srv.Close()

	s := NewSupabaseStorage(srv.URL, "test-key", "prices")
	ctx := context.Background()

	rev, err := s.Head(ctx, "series/TW/2330.TW.json")
	if err != nil {
		t.Fatalf("head of missing object failed: %v", err)
	}
	if rev != "" {
		t.Fatalf("missing object should have empty revision, got %q", rev)
	}

	body := []byte(`{"symbol":"2330.TW","bars":[]}`)
	rev, err = s.Put(ctx, "series/TW/2330.TW.json", body, "")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if rev != ContentRevision(body) {
		t.Errorf("put revision %q does not match content revision", rev)
	}

	head, err := s.Head(ctx, "series/TW/2330.TW.json")
	if err != nil {
		t.Fatalf("head failed: %v", err)
	}
	if head != rev {
		t.Errorf("head %q != put revision %q", head, rev)
	}
}

func TestSupabaseClassifiesUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSupabaseStorage(srv.URL, "bad-key", "prices")
	_, err := s.Put(context.Background(), "series/US/AAPL.json", []byte("{}"), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != Unauthorized {
		t.Errorf("got kind %s, want unauthorized", KindOf(err))
	}
	if Retryable(err) {
		t.Error("unauthorized must not be retryable")
	}
}

func TestGitHubPutNewAndUpdate(t *testing.T) {
	type file struct {
		sha  string
		body []byte
	}
	stored := map[string]file{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/repos/acme/stock-data/contents/")
		switch r.Method {
		case "GET":
			f, ok := stored[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"sha":      f.sha,
				"content":  base64.StdEncoding.EncodeToString(f.body),
				"encoding": "base64",
			})
		case "PUT":
			var req struct {
				Content string `json:"content"`
				SHA     string `json:"sha"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			if prev, ok := stored[path]; ok && req.SHA != prev.sha {
				w.WriteHeader(http.StatusConflict)
				return
			}
			body, _ := base64.StdEncoding.DecodeString(req.Content)
			f := file{sha: BlobRevision(body), body: body}
			stored[path] = f
			json.NewEncoder(w).Encode(map[string]interface{}{
				"content": map[string]string{"sha": f.sha},
			})
		}
	}))
	defer srv.Close()

	g := NewGitHubRepo("acme", "stock-data", "main", "test-token")
	g.client = srv.Client()
	// Point the Contents API at the test server.
	origURL := githubAPIBase
	githubAPIBase = srv.URL
	defer func() { githubAPIBase = origURL }()

	ctx := context.Background()
	v1 := []byte(`{"bars":[1]}`)
	rev1, err := g.Put(ctx, "series/TW/2330.TW.json", v1, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rev1 != BlobRevision(v1) {
		t.Errorf("create revision %q != blob sha", rev1)
	}

	v2 := []byte(`{"bars":[1,2]}`)
	rev2, err := g.Put(ctx, "series/TW/2330.TW.json", v2, rev1)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if rev2 != BlobRevision(v2) {
		t.Errorf("update revision %q != blob sha", rev2)
	}

	head, err := g.Head(ctx, "series/TW/2330.TW.json")
	if err != nil {
		t.Fatalf("head failed: %v", err)
	}
	if head != rev2 {
		t.Errorf("head %q != latest revision %q", head, rev2)
	}

	// A write conditioned on a superseded revision must not land.
	if _, err := g.Put(ctx, "series/TW/2330.TW.json", v1, rev1); err == nil {
		t.Fatal("stale expected revision should be rejected")
	} else if KindOf(err) != Conflict {
		t.Errorf("got kind %s, want conflict", KindOf(err))
	}
	head, _ = g.Head(ctx, "series/TW/2330.TW.json")
	if head != rev2 {
		t.Errorf("conflicted write must leave the remote untouched, head = %q", head)
	}
}
