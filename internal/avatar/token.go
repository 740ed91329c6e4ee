package avatar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenClient fetches short-lived session credentials from the token
// endpoint. The endpoint takes an empty POST and answers with the opaque
// bearer text consumed by Client.
type TokenClient struct {
	HTTPClient *http.Client
	URL        string
}

func NewTokenClient(url string) *TokenClient {
	return &TokenClient{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		URL:        url,
	}
}

// Fetch returns a fresh access token.
func (t *TokenClient) Fetch(ctx context.Context) (string, error) {
	if t.URL == "" {
		return "", fmt.Errorf("token url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token fetch: status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", fmt.Errorf("token fetch: read body: %w", err)
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("token fetch: empty token")
	}
	return token, nil
}
