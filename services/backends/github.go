package backends

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GitHubRepo replicates series objects as files in a git repository via
// the Contents API. Revisions are git blob SHAs, which git derives from
// content, so they are computable locally without a fetch.
type GitHubRepo struct {
	owner  string
	repo   string
	branch string
	token  string
	client *http.Client
}

func NewGitHubRepo(owner, repo, branch, token string) *GitHubRepo {
	return &GitHubRepo{
		owner:  owner,
		repo:   repo,
		branch: branch,
		token:  token,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *GitHubRepo) Name() string { return "github" }

// BlobRevision is the git blob SHA-1 a repository assigns to a file
// with this content ("blob <len>\x00<content>").
func BlobRevision(body []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(body))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Revision returns the blob SHA this backend would assign to body.
func (g *GitHubRepo) Revision(body []byte) string {
	return BlobRevision(body)
}

var githubAPIBase = "https://api.github.com"

func (g *GitHubRepo) contentsURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		githubAPIBase, g.owner, g.repo, path, g.branch)
}

func (g *GitHubRepo) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

type githubContent struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (g *GitHubRepo) fetch(ctx context.Context, path string) (*githubContent, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", g.contentsURL(path), nil)
	if err != nil {
		return nil, &Error{Backend: g.Name(), Kind: Transient, Err: err}
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Error{Backend: g.Name(), Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, g.classify(resp, "get contents")
	}

	var content githubContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, &Error{Backend: g.Name(), Kind: Transient, Err: fmt.Errorf("decode contents: %w", err)}
	}
	return &content, nil
}

func (g *GitHubRepo) Head(ctx context.Context, path string) (string, error) {
	content, err := g.fetch(ctx, path)
	if err != nil {
		return "", err
	}
	if content == nil {
		return "", nil
	}
	return content.SHA, nil
}

func (g *GitHubRepo) Get(ctx context.Context, path string) (*Object, error) {
	content, err := g.fetch(ctx, path)
	if err != nil || content == nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, &Error{Backend: g.Name(), Kind: Transient, Err: fmt.Errorf("decode blob: %w", err)}
	}
	return &Object{Path: path, Revision: content.SHA, Body: raw}, nil
}

// Put creates or updates a file through the Contents API, conditional
// on expectedPrior: it is sent as the update's blob SHA, so a remote
// edit landing after the caller observed that SHA fails as a Conflict
// instead of being overwritten blind.
func (g *GitHubRepo) Put(ctx context.Context, path string, body []byte, expectedPrior string) (string, error) {
	payload := map[string]string{
		"message": fmt.Sprintf("warehouse sync: %s", path),
		"content": base64.StdEncoding.EncodeToString(body),
		"branch":  g.branch,
	}
	if expectedPrior != "" {
		payload["sha"] = expectedPrior
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Backend: g.Name(), Kind: Transient, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", g.contentsURL(path), bytes.NewReader(encoded))
	if err != nil {
		return "", &Error{Backend: g.Name(), Kind: Transient, Err: err}
	}
	g.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &Error{Backend: g.Name(), Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", g.classify(resp, "put contents")
	}

	var result struct {
		Content struct {
			SHA string `json:"sha"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Backend: g.Name(), Kind: Transient, Err: fmt.Errorf("decode put response: %w", err)}
	}
	return result.Content.SHA, nil
}

func (g *GitHubRepo) classify(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.ToLower(string(body))
	err := fmt.Errorf("%s failed: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))

	kind := Transient
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		kind = Unauthorized
	case resp.StatusCode == http.StatusForbidden:
		// 403 carries both credential and rate-limit failures.
		if strings.Contains(msg, "rate limit") {
			kind = QuotaExceeded
		} else {
			kind = Unauthorized
		}
	case resp.StatusCode == http.StatusConflict:
		kind = Conflict
	case resp.StatusCode == http.StatusUnprocessableEntity:
		if strings.Contains(msg, "sha") {
			kind = Conflict
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = QuotaExceeded
	}
	return &Error{Backend: g.Name(), Kind: kind, Err: err}
}
