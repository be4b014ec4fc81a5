package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VM lifecycle statuses reported by the provider.
const (
	StatusCreating = "CREATING"
	StatusBuild    = "BUILD"
	StatusActive   = "ACTIVE"
	StatusError    = "ERROR"
)

// APIError is a non-2xx answer from the provider. Body carries the
// provider's own diagnostic, which is preferred over generic messages
// when reporting provisioning failures.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud API error (%d): %s", e.StatusCode, e.Body)
}

// SecurityRule is a firewall rule attached to a VM at creation time.
type SecurityRule struct {
	Direction      string `json:"direction"`
	Protocol       string `json:"protocol"`
	Ethertype      string `json:"ethertype"`
	RemoteIPPrefix string `json:"remote_ip_prefix"`
	PortRangeMin   int    `json:"port_range_min"`
	PortRangeMax   int    `json:"port_range_max"`
}

// VMCreateRequest describes the VM to stand up.
type VMCreateRequest struct {
	Name             string         `json:"name"`
	EnvironmentName  string         `json:"environment_name"`
	ImageName        string         `json:"image_name"`
	FlavorName       string         `json:"flavor_name"`
	KeyName          string         `json:"key_name"`
	Count            int            `json:"count"`
	AssignFloatingIP bool           `json:"assign_floating_ip"`
	SecurityRules    []SecurityRule `json:"security_rules"`
	UserData         string         `json:"user_data"`
}

// VM is the provider's view of an instance.
type VM struct {
	ID         int    `json:"id"`
	Status     string `json:"status"`
	FloatingIP string `json:"floating_ip"`
}

type createResponse struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	Instances []VM   `json:"instances"`
}

type getResponse struct {
	Status   bool   `json:"status"`
	Message  string `json:"message"`
	Instance VM     `json:"instance"`
}

// Client talks to the cloud provider's VM API. Credentials are held by
// the client value constructed once at startup and threaded through
// explicitly; there is no process-wide API key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a provider client. baseURL points at the API root,
// e.g. https://infrahub-api.nexgencloud.com/v1/core.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("api_key", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make a %s request to %s: %w", method, c.baseURL+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", c.baseURL+path, err)
		}
	}
	return nil
}

// CreateVM submits a VM-creation request and returns the instance the
// provider reports, typically still in CREATING state.
func (c *Client) CreateVM(ctx context.Context, req VMCreateRequest) (*VM, error) {
	if req.Count == 0 {
		req.Count = 1
	}
	var out createResponse
	if err := c.do(ctx, http.MethodPost, "/virtual-machines", req, &out); err != nil {
		return nil, err
	}
	if !out.Status {
		return nil, fmt.Errorf("failed to create %q VM: %s", req.Name, out.Message)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("failed to create %q VM: provider returned no instances", req.Name)
	}
	return &out.Instances[0], nil
}

// GetVM fetches the current state of an instance.
func (c *Client) GetVM(ctx context.Context, vmID int) (*VM, error) {
	var out getResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/virtual-machines/%d", vmID), nil, &out); err != nil {
		return nil, err
	}
	if !out.Status {
		return nil, fmt.Errorf("failed to retrieve VM %d: %s", vmID, out.Message)
	}
	return &out.Instance, nil
}

// DeleteVM tears down an instance. Used by operators cleaning up
// failed replicas.
func (c *Client) DeleteVM(ctx context.Context, vmID int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/virtual-machines/%d", vmID), nil, nil)
}
