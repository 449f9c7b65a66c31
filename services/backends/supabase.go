package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SupabaseStorage replicates series objects into a Supabase Storage
// bucket. Revisions are SHA-256 content hashes, computed locally, so a
// re-run with unchanged data resolves to the checkpointed revision
// without a write.
type SupabaseStorage struct {
	baseURL string
	apiKey  string
	bucket  string
	client  *http.Client
}

// NewSupabaseStorage creates a storage client.
// baseURL is the project URL, e.g. https://xyz.supabase.co
func NewSupabaseStorage(baseURL, apiKey, bucket string) *SupabaseStorage {
	return &SupabaseStorage{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		bucket:  bucket,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *SupabaseStorage) Name() string { return "supabase" }

// ContentRevision is the revision token SupabaseStorage assigns to a
// payload. Exposed so the reconciler can skip unchanged objects before
// touching the network.
func ContentRevision(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Revision returns the revision this backend would assign to body.
func (s *SupabaseStorage) Revision(body []byte) string {
	return ContentRevision(body)
}

func (s *SupabaseStorage) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, path)
}

func (s *SupabaseStorage) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("apikey", s.apiKey)
}

func (s *SupabaseStorage) Head(ctx context.Context, path string) (string, error) {
	obj, err := s.Get(ctx, path)
	if err != nil {
		return "", err
	}
	if obj == nil {
		return "", nil
	}
	return obj.Revision, nil
}

func (s *SupabaseStorage) Get(ctx context.Context, path string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.objectURL(path), nil)
	if err != nil {
		return nil, &Error{Backend: s.Name(), Kind: Transient, Err: err}
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &Error{Backend: s.Name(), Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s.classify(resp, "download")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Backend: s.Name(), Kind: Transient, Err: err}
	}
	return &Object{Path: path, Revision: ContentRevision(body), Body: body}, nil
}

// Put uploads with x-upsert. expectedPrior is ignored: revisions here
// are content hashes, so a concurrent overwrite either left identical
// bytes or is replaced wholesale; the reconciler audits drift via Head.
func (s *SupabaseStorage) Put(ctx context.Context, path string, body []byte, _ string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.objectURL(path), bytes.NewReader(body))
	if err != nil {
		return "", &Error{Backend: s.Name(), Kind: Transient, Err: err}
	}
	s.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &Error{Backend: s.Name(), Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", s.classify(resp, "upload")
	}
	io.Copy(io.Discard, resp.Body)
	return ContentRevision(body), nil
}

func (s *SupabaseStorage) classify(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.ToLower(string(body))
	err := fmt.Errorf("%s failed: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))

	kind := Transient
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = Unauthorized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusInsufficientStorage:
		kind = QuotaExceeded
	case resp.StatusCode == http.StatusConflict:
		kind = Conflict
	case strings.Contains(msg, "quota") || strings.Contains(msg, "exceeded the maximum"):
		kind = QuotaExceeded
	}
	return &Error{Backend: s.Name(), Kind: kind, Err: err}
}
