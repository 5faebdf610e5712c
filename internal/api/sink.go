package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tejusbharadwaj/owenlers/internal/models"
)

const apiPrefix = "/api/v1"

type consumptionPayload struct {
	Data consumptionData `json:"data"`
}

type consumptionData struct {
	DataType    string                     `json:"dataType"`
	Consumption []models.ConsumptionRecord `json:"consumption"`
}

// ServerInfo is the body returned by /ServerInfo.
type ServerInfo struct {
	Version string `json:"version"`
}

// CurrentLogin is the body returned by /Login/Current.
type CurrentLogin struct {
	Account struct {
		DisplayName string `json:"displayName"`
	} `json:"account"`
	Permissions []string `json:"permissions"`
}

// CanSaveData reports whether the account may import data.
func (l CurrentLogin) CanSaveData() bool {
	for _, p := range l.Permissions {
		if p == "saveData" {
			return true
		}
	}
	return false
}

// SinkConfig configures a SinkClient.
type SinkConfig struct {
	ServerURL string
	Token     string
	Timeout   time.Duration
	RateLimit float64 // pushes per second, 0 disables limiting
	Burst     int
}

// SinkClient writes consumption archives to a LERS server.
type SinkClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewSinkClient creates a client for the LERS server at cfg.ServerURL.
func NewSinkClient(cfg SinkConfig) *SinkClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &SinkClient{
		baseURL: strings.TrimRight(cfg.ServerURL, "/") + apiPrefix,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// Push uploads the current archive records of one measure point.
func (c *SinkClient) Push(ctx context.Context, pointID string, records []models.ConsumptionRecord) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: point %s: %v", ErrPush, pointID, err)
	}

	body, err := json.Marshal(consumptionPayload{
		Data: consumptionData{
			DataType:    "Current",
			Consumption: records,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: point %s: %v", ErrPush, pointID, err)
	}

	path := fmt.Sprintf("/Data/MeasurePoints/%s/Consumption/CurrentArchive", url.PathEscape(pointID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: point %s: %v", ErrPush, pointID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: point %s: %v", ErrPush, pointID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: point %s: %v", ErrPush, pointID, statusError(resp))
	}
	return nil
}

// ServerInfo checks that the server answers and returns its version.
func (c *SinkClient) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.get(ctx, "/ServerInfo", false, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CurrentLogin returns the account the token belongs to.
func (c *SinkClient) CurrentLogin(ctx context.Context) (*CurrentLogin, error) {
	var login CurrentLogin
	if err := c.get(ctx, "/Login/Current", true, &login); err != nil {
		return nil, err
	}
	return &login, nil
}

func (c *SinkClient) get(ctx context.Context, path string, auth bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRequest, path, err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
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
