// Package gateway queries the payment provider's status endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/arena/internal/reconcile"
)

const (
	statusPathFormat = "/v1/payments/%s/status"
	maxBodyBytes     = 1 << 20
)

// ErrInvalidClientConfig reports an unusable base URL.
var ErrInvalidClientConfig = errors.New("invalid gateway client config")

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(httpClient *HTTPClient) {
		if client != nil {
			httpClient.client = client
		}
	}
}

// WithAPIKey sends a bearer key on every request.
func WithAPIKey(apiKey string) ClientOption {
	return func(httpClient *HTTPClient) {
		httpClient.apiKey = strings.TrimSpace(apiKey)
	}
}

// HTTPClient implements reconcile.Gateway over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient builds a client for baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, options ...ClientOption) (*HTTPClient, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidClientConfig, baseURL)
	}
	if timeout <= 0 {
		timeout = reconcile.DefaultCallTimeout
	}
	client := &HTTPClient{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type statusResponse struct {
	Status        string `json:"status"`
	SettledAmount int64  `json:"settled_amount"`
	Channel       string `json:"channel"`
}

// Status fetches one payment. 404 maps to ErrReferenceNotFound; network errors, 5xx and unexpected
// responses map to ErrGatewayUnavailable.
func (httpClient *HTTPClient) Status(ctx context.Context, referenceID string) (reconcile.PaymentStatus, error) {
	reference := strings.TrimSpace(referenceID)
	if reference == "" {
		return reconcile.PaymentStatus{}, fmt.Errorf("%w: empty reference", reconcile.ErrReferenceNotFound)
	}
	endpoint := httpClient.baseURL + fmt.Sprintf(statusPathFormat, url.PathEscape(reference))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return reconcile.PaymentStatus{}, fmt.Errorf("%w: %v", reconcile.ErrGatewayUnavailable, err)
	}
	request.Header.Set("Accept", "application/json")
	if httpClient.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+httpClient.apiKey)
	}
	response, err := httpClient.client.Do(request)
	if err != nil {
		return reconcile.PaymentStatus{}, fmt.Errorf("%w: %v", reconcile.ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return reconcile.PaymentStatus{}, fmt.Errorf("%w: read body: %v", reconcile.ErrGatewayUnavailable, err)
	}
	switch {
	case response.StatusCode == http.StatusNotFound:
		return reconcile.PaymentStatus{}, fmt.Errorf("%w: %s", reconcile.ErrReferenceNotFound, reference)
	case response.StatusCode != http.StatusOK:
		return reconcile.PaymentStatus{}, fmt.Errorf("%w: http %d", reconcile.ErrGatewayUnavailable, response.StatusCode)
	}
	var decoded statusResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return reconcile.PaymentStatus{}, fmt.Errorf("%w: decode body: %v", reconcile.ErrGatewayUnavailable, err)
	}
	status, err := reconcile.ParseGatewayStatus(decoded.Status)
	if err != nil {
		return reconcile.PaymentStatus{}, fmt.Errorf("%w: %v", reconcile.ErrGatewayUnavailable, err)
	}
	return reconcile.PaymentStatus{
		ReferenceID:   reference,
		Status:        status,
		SettledAmount: decoded.SettledAmount,
		Channel:       decoded.Channel,
	}, nil
}
