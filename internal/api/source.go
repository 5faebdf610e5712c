// Package api implements the HTTP clients for OwenCloud (the data source)
// and LERS (the consumption archive sink).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tejusbharadwaj/owenlers/internal/models"
)

// DefaultSourceURL is the public OwenCloud API root.
const DefaultSourceURL = "https://api.owencloud.ru/v1"

const defaultTimeout = 30 * time.Second

type authRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// AuthResponse is the body returned by /auth/open.
type AuthResponse struct {
	ErrorStatus int    `json:"error_status"`
	Token       string `json:"token"`
	Name        string `json:"name"`
	Surname     string `json:"surname"`
	CompanyName string `json:"company_name"`
}

type lastDataRequest struct {
	IDs []int64 `json:"ids"`
}

type lastDataItem struct {
	ID     json.Number `json:"id"`
	Values []struct {
		D int64   `json:"d"`
		V *float64 `json:"v"`
	} `json:"values"`
}

// Device is an OwenCloud instrument.
type Device struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Parameter describes one channel of a device.
type Parameter struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	CategoryID     int64  `json:"category_id"`
	FormattedValue string `json:"formatted_value"`
	Measurement    struct {
		Title string `json:"title"`
	} `json:"measurement"`
}

// Category groups device parameters.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// DeviceDetails is the body returned by /device/{id}.
type DeviceDetails struct {
	Parameters []Parameter `json:"parameters"`
	Categories []Category  `json:"parameter_categories"`
}

// SourceClient talks to the OwenCloud API.
type SourceClient struct {
	baseURL string
	client  *http.Client
}

// NewSourceClient creates a client. A zero timeout selects 30 seconds.
func NewSourceClient(baseURL string, timeout time.Duration) *SourceClient {
	if baseURL == "" {
		baseURL = DefaultSourceURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &SourceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Authenticate opens a session and returns its bearer token.
func (c *SourceClient) Authenticate(ctx context.Context, creds models.Credentials) (string, error) {
	info, err := c.Login(ctx, creds)
	if err != nil {
		return "", err
	}
	return info.Token, nil
}

// Login opens a session and returns the full account answer.
func (c *SourceClient) Login(ctx context.Context, creds models.Credentials) (*AuthResponse, error) {
	resp, err := c.post(ctx, "/auth/open", "", authRequest{Login: creds.Login, Password: creds.Password})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %w: %v", ErrAuth, ErrCredentialsRejected, statusError(resp))
	}

	var auth AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrAuth, err)
	}
	if auth.ErrorStatus != 0 {
		return nil, fmt.Errorf("%w: %w: error_status %d", ErrAuth, ErrCredentialsRejected, auth.ErrorStatus)
	}
	if auth.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrAuth)
	}
	return &auth, nil
}

// FetchLatest returns the most recent reading of every id in one request.
// Every requested id is present in the batch; parameters without values map to nil.
func (c *SourceClient) FetchLatest(ctx context.Context, token string, ids []string) (models.Batch, error) {
	req := lastDataRequest{IDs: make([]int64, 0, len(ids))}
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil || strconv.FormatInt(n, 10) != id {
			return nil, fmt.Errorf("%w: invalid parameter id %q", ErrFetch, id)
		}
		req.IDs = append(req.IDs, n)
	}

	resp, err := c.post(ctx, "/parameters/last-data", token, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %w: %v", ErrFetch, ErrUnauthorized, statusError(resp))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %v", ErrFetch, statusError(resp))
	}

	var items []lastDataItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrFetch, err)
	}

	batch := make(models.Batch, len(ids))
	for _, id := range ids {
		batch[id] = nil
	}
	for _, item := range items {
		id := item.ID.String()
		// A sample without a value counts as absent, not as zero.
		if len(item.Values) == 0 || item.Values[0].V == nil {
			batch[id] = nil
			continue
		}
		batch[id] = &models.Reading{
			ParameterID: id,
			Timestamp:   item.Values[0].D,
			Value:       *item.Values[0].V,
		}
	}
	return batch, nil
}

// ListDevices returns the devices visible to the token.
func (c *SourceClient) ListDevices(ctx context.Context, token string) ([]Device, error) {
	var devices []Device
	if err := c.call(ctx, "/device/index", token, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// DeviceDetails returns the parameters and categories of one device.
func (c *SourceClient) DeviceDetails(ctx context.Context, token string, deviceID int64) (*DeviceDetails, error) {
	var details DeviceDetails
	if err := c.call(ctx, fmt.Sprintf("/device/%d", deviceID), token, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (c *SourceClient) call(ctx context.Context, path, token string, out any) error {
	resp, err := c.post(ctx, path, token, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRequest, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: %v", ErrRequest, path, statusError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: failed to decode response: %v", ErrRequest, path, err)
	}
	return nil
}

func (c *SourceClient) post(ctx context.Context, path, token string, payload any) (*http.Response, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.client.Do(req)
}
