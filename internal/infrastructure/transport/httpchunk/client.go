package httpchunk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bizledger/intake/internal/core/domain"
	"github.com/bizledger/intake/internal/core/ports"
)

// Client ships chunks to the upload service. Retry and backoff live in the
// upload use case, so every method here makes exactly one attempt and reports
// the failure with its domain kind.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// UploadChunk sends one chunk as a multipart form. Any 2xx counts as an ack;
// the body is not required to be JSON.
func (c *Client) UploadChunk(ctx context.Context, req ports.ChunkRequest) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"upload_id":    req.UploadID,
		"file_name":    req.FileName,
		"chunk_index":  strconv.Itoa(req.Index),
		"total_chunks": strconv.Itoa(req.TotalChunks),
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}

	part, err := mw.CreateFormFile("chunk", req.FileName)
	if err != nil {
		return fmt.Errorf("create chunk part: %w", err)
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return fmt.Errorf("copy chunk body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads/chunk", &buf)
	if err != nil {
		return fmt.Errorf("create chunk request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "upload chunk", err)
	}
	defer resp.Body.Close()

	return mapStatus("upload chunk", resp)
}

func (c *Client) Finalize(ctx context.Context, uploadID string) error {
	payload, err := json.Marshal(map[string]string{"upload_id": uploadID})
	if err != nil {
		return fmt.Errorf("marshal finalize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads/finalize", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create finalize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "finalize upload", err)
	}
	defer resp.Body.Close()

	return mapStatus("finalize upload", resp)
}

// ReceivedChunks asks the server which chunk indices it already holds for an
// upload. Callers fall back to local bookkeeping on error.
func (c *Client) ReceivedChunks(ctx context.Context, uploadID string) ([]int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/uploads/"+uploadID+"/chunks", nil)
	if err != nil {
		return nil, fmt.Errorf("create chunk status request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "query received chunks", err)
	}
	defer resp.Body.Close()

	if err := mapStatus("query received chunks", resp); err != nil {
		return nil, err
	}

	var body struct {
		Received []int `json:"received"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode chunk status response: %w", err)
	}
	return body.Received, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func mapStatus(operation string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	err := fmt.Errorf("%s status: %s", operation, resp.Status)
	if msg != "" {
		err = fmt.Errorf("%s status: %s: %s", operation, resp.Status, msg)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.WrapError(domain.ErrUnauthorized, operation, err)
	case http.StatusNotFound:
		return domain.WrapError(domain.ErrNotFound, operation, err)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return domain.WrapError(domain.ErrInvalidInput, operation, err)
	default:
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
}
