package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"procodus.dev/mirra/internal/identity"
	"procodus.dev/mirra/internal/provision"
	"procodus.dev/mirra/pkg/macaddr"
)

// ErrUnexpectedStatus is returned when the backend answers with a status the client does
// not map to a sentinel error.
var ErrUnexpectedStatus = errors.New("unexpected response status")

var accessCodePattern = regexp.MustCompile(`Access code : ([0-9A-Fa-f]+)`)

// ClientConfig holds the configuration for a Client.
type ClientConfig struct {
	Logger  *slog.Logger
	BaseURL string
	Timeout time.Duration
}

// Client talks to the provisioning endpoints of a backend the way operators and
// gateways do.
type Client struct {
	logger *slog.Logger
	http   *resty.Client
	// once serves requests that consume server state and must not be repeated.
	once *resty.Client
}

// NewClient creates a Client for the backend at cfg.BaseURL.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)

	onceClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &Client{
		logger: cfg.Logger,
		http:   httpClient,
		once:   onceClient,
	}, nil
}

// AddGateway asks the backend for an access code for gateway.
func (c *Client) AddGateway(ctx context.Context, gateway macaddr.Address) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"gateway_mac": gateway.String()}).
		Post("/gateway/add")
	if err != nil {
		return "", fmt.Errorf("failed to request access code: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return "", statusError(resp)
	}

	match := accessCodePattern.FindStringSubmatch(resp.String())
	if match == nil {
		return "", errors.New("response does not contain an access code")
	}

	c.logger.Debug("access code issued", "gateway_mac", gateway.String())
	return match[1], nil
}

// Link presents code for gateway and returns the pre-shared key the backend committed.
// The backend consumes the code on success, so the request is sent exactly once.
func (c *Client) Link(ctx context.Context, gateway macaddr.Address, code string) (string, error) {
	resp, err := c.once.R().
		SetContext(ctx).
		SetHeader(HeaderGateway, gateway.String()).
		SetHeader(HeaderAccessCode, code).
		Get("/gateway/code")
	if err != nil {
		return "", fmt.Errorf("failed to verify access code: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		c.logger.Info("gateway linked", "gateway_mac", gateway.String())
		return strings.TrimSpace(resp.String()), nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", provision.ErrAccessCodeNotFound, gateway)
	case http.StatusUnauthorized:
		return "", fmt.Errorf("%w: %s", provision.ErrAccessCodeMismatch, gateway)
	default:
		return "", statusError(resp)
	}
}

// RemoveGateway detaches gateway and revokes its credentials.
func (c *Client) RemoveGateway(ctx context.Context, gateway macaddr.Address) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("mac", gateway.Hex()).
		Delete("/gateway/{mac}")
	if err != nil {
		return fmt.Errorf("failed to remove gateway: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", identity.ErrNotFound, gateway)
	default:
		return statusError(resp)
	}
}

func statusError(resp *resty.Response) error {
	return fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, resp.Status(), strings.TrimSpace(resp.String()))
}
