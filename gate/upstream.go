package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	core "sponsorgate-backend/core/sponsorship"
)

// UpstreamResult carries the proxied endpoint's response back to the
// caller verbatim. A non-2xx upstream status is still a successful
// proxy call; only transport failures surface as errors.
type UpstreamResult struct {
	Status int
	Body   string
}

// UpstreamCaller invokes the endpoint a published API fronts. GET
// requests carry the input as query parameters, POST as a JSON body.
type UpstreamCaller struct {
	client *http.Client
}

// NewUpstreamCaller builds a caller with a bounded HTTP client.
func NewUpstreamCaller(timeout time.Duration) *UpstreamCaller {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &UpstreamCaller{client: &http.Client{Timeout: timeout}}
}

// ValidUpstreamMethod reports whether method is an accepted upstream
// verb after normalization.
func ValidUpstreamMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodPost:
		return true
	}
	return false
}

func (u *UpstreamCaller) Call(ctx context.Context, api core.SponsoredAPI, input map[string]any) (UpstreamResult, error) {
	method := strings.ToUpper(strings.TrimSpace(api.UpstreamMethod))

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet:
		target := api.UpstreamURL
		if len(input) > 0 {
			params := url.Values{}
			for key, value := range input {
				params.Set(key, fmt.Sprint(value))
			}
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	case http.MethodPost:
		body, merr := json.Marshal(input)
		if merr != nil {
			return UpstreamResult{}, merr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, api.UpstreamURL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return UpstreamResult{}, fmt.Errorf("unsupported upstream method: %s", api.UpstreamMethod)
	}
	if err != nil {
		return UpstreamResult{}, err
	}

	for header, value := range api.UpstreamHeaders {
		req.Header.Set(header, value)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return UpstreamResult{}, fmt.Errorf("call upstream %s: %w", api.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return UpstreamResult{}, fmt.Errorf("read upstream %s: %w", api.Name, err)
	}
	return UpstreamResult{Status: resp.StatusCode, Body: string(body)}, nil
}
