package httpregistry

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bizledger/intake/internal/core/domain"
	"github.com/bizledger/intake/internal/core/ports"
	"github.com/bizledger/intake/internal/infrastructure/resilience"
)

// Client talks to the shared fingerprint registry service. All calls go
// through a retry/breaker executor; callers treat any returned error as a cue
// to fall back to the local registry.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(baseURL, token string, resCfg resilience.Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		exec:       resilience.NewExecutor(resCfg),
	}
}

type checkRequest struct {
	FileHash      string                 `json:"file_hash"`
	FileName      string                 `json:"file_name"`
	FileSizeBytes int64                  `json:"file_size_bytes"`
	UserID        string                 `json:"user_id"`
	Extracted     domain.ExtractedFields `json:"extracted,omitempty"`
}

type registerRequest struct {
	UserID      string                     `json:"user_id"`
	Fingerprint domain.DocumentFingerprint `json:"fingerprint"`
}

func (c *Client) Check(ctx context.Context, req ports.RegistryCheckRequest) (*domain.DuplicateCheckResult, error) {
	payload := checkRequest{
		FileHash:      req.FileHash,
		FileName:      req.FileName,
		FileSizeBytes: req.FileSizeBytes,
		UserID:        req.UserID,
		Extracted:     req.Extracted,
	}

	var result domain.DuplicateCheckResult
	err := c.exec.Execute(ctx, "registry.check", func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/v1/registry/check", payload, &result, "check")
	}, classifyRegistryError)
	if err != nil {
		return nil, wrapRegistryError("registry check", err)
	}
	return &result, nil
}

func (c *Client) Register(ctx context.Context, fp domain.DocumentFingerprint, userID string) error {
	payload := registerRequest{UserID: userID, Fingerprint: fp}

	var ack struct {
		ID string `json:"id"`
	}
	err := c.exec.Execute(ctx, "registry.register", func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/v1/registry/documents", payload, &ack, "register")
	}, classifyRegistryError)
	return wrapRegistryError("registry register", err)
}

func (c *Client) Stats(ctx context.Context, userID string) (*domain.RegistryStats, error) {
	var stats domain.RegistryStats
	err := c.exec.Execute(ctx, "registry.stats", func(callCtx context.Context) error {
		return c.getJSON(callCtx, "/v1/registry/stats?user_id="+userID, &stats, "stats")
	}, classifyRegistryError)
	if err != nil {
		return nil, wrapRegistryError("registry stats", err)
	}
	return &stats, nil
}
