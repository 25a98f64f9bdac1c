package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"wiki-realtime/realtime-client/reconcile"
)

const maxErrorBody = 1 << 10

// Client calls the wiki JSON API on behalf of the local user.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{BaseURL: baseURL, Bearer: bearer, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type infoRequest struct {
	ID string `json:"id"`
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// Document loads a document by id.
func (c *Client) Document(ctx context.Context, id string, force bool) (reconcile.Document, error) {
	var out envelope[reconcile.Document]
	err := c.post(ctx, "/api/documents.info", infoRequest{ID: id}, force, &out)
	return out.Data, err
}

// Collection loads a collection by id.
func (c *Client) Collection(ctx context.Context, id string, force bool) (reconcile.Collection, error) {
	var out envelope[reconcile.Collection]
	err := c.post(ctx, "/api/collections.info", infoRequest{ID: id}, force, &out)
	return out.Data, err
}

// Collections lists the collections visible to the local user.
func (c *Client) Collections(ctx context.Context) ([]reconcile.Collection, error) {
	var out envelope[[]reconcile.Collection]
	err := c.post(ctx, "/api/collections.list", struct{}{}, false, &out)
	return out.Data, err
}

func (c *Client) post(ctx context.Context, path string, body any, force bool, out any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	if force {
		req.Header.Set("Cache-Control", "no-cache")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, reconcile.ErrNotFound)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", path, reconcile.ErrForbidden)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", path, err)
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode body: %w", path, err)
	}
	return nil
}
