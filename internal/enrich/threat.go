package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPThreatProvider queries a reputation API that takes the indicator
// as a query parameter and returns JSON. Covers the AbuseIPDB-style
// endpoints the pipeline is configured with by default.
type HTTPThreatProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPThreatProvider(name, baseURL, apiKey string) *HTTPThreatProvider {
	return &HTTPThreatProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPThreatProvider) Name() string { return p.name }

func (p *HTTPThreatProvider) Check(ctx context.Context, indicator string) (map[string]interface{}, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad provider URL: %w", err)
	}
	q := u.Query()
	q.Set("ipAddress", indicator)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", p.name, resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", p.name, err)
	}
	return body, nil
}
