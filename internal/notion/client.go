package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiVersion = "2022-06-28"

// Client talks to the remote document service. All calls carry a bounded
// timeout so one stalled request cannot starve future poll ticks.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client. baseURL is normally the public API endpoint;
// tests point it at a local httptest server.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx response from the document service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("document service returned %d: %s", e.StatusCode, e.Body)
}

// ListChildBlocks fetches the full child block list of a page.
func (c *Client) ListChildBlocks(ctx context.Context, pageID string) ([]Block, error) {
	var list blockList
	err := c.do(ctx, http.MethodGet, "/blocks/"+pageID+"/children", nil, &list)
	if err != nil {
		return nil, err
	}
	return list.Results, nil
}

// PatchBlock replaces a block's content in place. Only the typed payload of
// the block is sent; the id routes the request.
func (c *Client) PatchBlock(ctx context.Context, blockID string, block Block) error {
	body := map[string]any{}
	switch block.Type {
	case TypeHeading2:
		body[TypeHeading2] = block.Heading2
	case TypeCode:
		body[TypeCode] = block.Code
	default:
		return fmt.Errorf("unsupported patch type %q", block.Type)
	}
	return c.do(ctx, http.MethodPatch, "/blocks/"+blockID, body, nil)
}

// DeleteBlock removes a block from the page.
func (c *Client) DeleteBlock(ctx context.Context, blockID string) error {
	return c.do(ctx, http.MethodDelete, "/blocks/"+blockID, nil, nil)
}

// AppendBlocks appends children to the page in order.
func (c *Client) AppendBlocks(ctx context.Context, pageID string, blocks []Block) error {
	return c.do(ctx, http.MethodPatch, "/blocks/"+pageID+"/children", appendRequest{Children: blocks}, nil)
}

// CreatePage creates one row in a database (process history logging).
func (c *Client) CreatePage(ctx context.Context, page PageRequest) error {
	return c.do(ctx, http.MethodPost, "/pages", page, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
