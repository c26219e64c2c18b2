package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/nimbusworks/taskpipe/internal/config"
	"github.com/nimbusworks/taskpipe/internal/logging"
)

// ArtifactRef identifies a created (or reused) repository.
type ArtifactRef struct {
	Owner    string
	Name     string
	CloneURL string
	HTMLURL  string
}

// RepoPublisher 是仓库托管方的能力契约。所有操作按名字幂等：
// 相同名字的重复调用收敛到同一个仓库，Publish 对已发布仓库不报错。
type RepoPublisher interface {
	// EnsureArtifact creates the repository or returns the existing one.
	EnsureArtifact(ctx context.Context, name, description string) (*ArtifactRef, error)
	// PushContent writes files to the default branch and returns the commit SHA.
	// Re-pushing the same files updates them in place.
	PushContent(ctx context.Context, ref *ArtifactRef, files map[string]string) (string, error)
	// Publish enables public page hosting and returns the public location.
	Publish(ctx context.Context, ref *ArtifactRef) (string, error)
}

// GitHubPublisher implements RepoPublisher against the GitHub REST API.
type GitHubPublisher struct {
	cfg    config.GitHubConfig
	client *http.Client
}

func NewGitHubPublisher(cfg config.GitHubConfig) *GitHubPublisher {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.github.com"
	}
	if cfg.PagesTLD == "" {
		cfg.PagesTLD = "github.io"
	}
	return &GitHubPublisher{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GitHubPublisher) EnsureArtifact(ctx context.Context, name, description string) (*ArtifactRef, error) {
	// existence check first so repeated calls converge on the same repo
	status, body, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", g.cfg.Owner, name), nil)
	if err != nil {
		return nil, transientErr("ensure_artifact", err)
	}
	if status == http.StatusOK {
		return refFromRepoJSON(body), nil
	}
	if status != http.StatusNotFound {
		return nil, classifyStatus("ensure_artifact", status, truncate(body))
	}

	payload := map[string]any{
		"name":        name,
		"description": description,
		"private":     false,
		"auto_init":   true,
	}
	status, body, err = g.do(ctx, http.MethodPost, "/user/repos", payload)
	if err != nil {
		return nil, transientErr("ensure_artifact", err)
	}
	switch status {
	case http.StatusCreated:
		return refFromRepoJSON(body), nil
	case http.StatusUnprocessableEntity:
		// name already exists: lost a create race, reuse the winner
		status, body, err = g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", g.cfg.Owner, name), nil)
		if err != nil {
			return nil, transientErr("ensure_artifact", err)
		}
		if status == http.StatusOK {
			return refFromRepoJSON(body), nil
		}
		return nil, classifyStatus("ensure_artifact", status, truncate(body))
	default:
		return nil, classifyStatus("ensure_artifact", status, truncate(body))
	}
}

func (g *GitHubPublisher) PushContent(ctx context.Context, ref *ArtifactRef, files map[string]string) (string, error) {
	var commitSHA string
	for path, content := range files {
		contentsPath := fmt.Sprintf("/repos/%s/%s/contents/%s", ref.Owner, ref.Name, path)
		payload := map[string]any{
			"message": fmt.Sprintf("add %s", path),
			"content": base64.StdEncoding.EncodeToString([]byte(content)),
			"branch":  "main",
		}
		// when the file already exists (earlier partial push), the update
		// needs its current blob sha
		status, body, err := g.do(ctx, http.MethodGet, contentsPath+"?ref=main", nil)
		if err != nil {
			return "", transientErr("push_content", err)
		}
		if status == http.StatusOK {
			if sha := gjson.Get(body, "sha").String(); sha != "" {
				payload["sha"] = sha
				payload["message"] = fmt.Sprintf("update %s", path)
			}
		} else if status != http.StatusNotFound {
			return "", classifyStatus("push_content", status, truncate(body))
		}

		status, body, err = g.do(ctx, http.MethodPut, contentsPath, payload)
		if err != nil {
			return "", transientErr("push_content", err)
		}
		if status != http.StatusCreated && status != http.StatusOK {
			return "", classifyStatus("push_content", status, truncate(body))
		}
		if sha := gjson.Get(body, "commit.sha").String(); sha != "" {
			commitSHA = sha
		}
	}
	return commitSHA, nil
}

func (g *GitHubPublisher) Publish(ctx context.Context, ref *ArtifactRef) (string, error) {
	pagesURL := fmt.Sprintf("https://%s.%s/%s/", ref.Owner, g.cfg.PagesTLD, ref.Name)
	payload := map[string]any{
		"source": map[string]string{"branch": "main", "path": "/"},
	}
	status, body, err := g.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pages", ref.Owner, ref.Name), payload)
	if err != nil {
		return "", transientErr("publish", err)
	}
	switch status {
	case http.StatusCreated:
		return pagesURL, nil
	case http.StatusConflict:
		// pages already enabled by an earlier delivery
		logging.Debug(ctx, "pages already enabled", zap.String("repo", ref.Name))
		return pagesURL, nil
	default:
		return "", classifyStatus("publish", status, truncate(body))
	}
}

func (g *GitHubPublisher) do(ctx context.Context, method, path string, payload any) (int, string, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.APIBase+path, body)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), nil
}

func refFromRepoJSON(body string) *ArtifactRef {
	return &ArtifactRef{
		Owner:    gjson.Get(body, "owner.login").String(),
		Name:     gjson.Get(body, "name").String(),
		CloneURL: gjson.Get(body, "clone_url").String(),
		HTMLURL:  gjson.Get(body, "html_url").String(),
	}
}

func truncate(s string) string {
	const max = 512
	if len(s) > max {
		return s[:max]
	}
	return s
}
