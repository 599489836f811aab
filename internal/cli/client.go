package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultServerURL = "http://localhost:8090"

// apiError is the error envelope returned by the server.
type apiError struct {
	Status  int             `json:"-"`
	Message string          `json:"error"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// apiClient talks to a running funcbox server.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// newAPIClient resolves the server URL and token from flags, then
// FUNCBOX_URL and FUNCBOX_TOKEN.
func newAPIClient() *apiClient {
	url := serverURL
	if url == "" {
		url = os.Getenv("FUNCBOX_URL")
	}
	if url == "" {
		url = defaultServerURL
	}
	token := apiToken
	if token == "" {
		token = os.Getenv("FUNCBOX_TOKEN")
	}

	return &apiClient{
		baseURL: strings.TrimSuffix(url, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

func (c *apiClient) doRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting %s: %w", c.baseURL, err)
	}
	return resp, nil
}

// call sends body as JSON and decodes a 2xx response into out. Other
// statuses are returned as *apiError.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return c.send(ctx, method, path, "application/json", reader, out)
}

func (c *apiClient) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.doRequest(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &apiError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// printJSON writes v indented to stdout.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
