// Package girder implements sink.RecordSink against a Girder data management
// server's REST API.
package girder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/slide-ingest/internal/sink"
)

// TokenHeader carries the session token on every authenticated request.
const TokenHeader = "Girder-Token"

const (
	defaultScheme  = "http"
	defaultHost    = "localhost"
	defaultPort    = 8080
	defaultAPIRoot = "/api/v1"
	defaultTimeout = 60 * time.Second
)

// Config describes how to reach and authenticate with Girder.
type Config struct {
	Scheme   string        `mapstructure:"scheme"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	APIRoot  string        `mapstructure:"api_root"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// Retries applies to transport failures only; every call is idempotent.
	Retries   int    `mapstructure:"retries"`
	UserAgent string `mapstructure:"user_agent"`
}

// BaseURL joins scheme, host, port and API root.
func (c Config) BaseURL() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = defaultScheme
	}
	host := c.Host
	if host == "" {
		host = defaultHost
	}
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	root := c.APIRoot
	if root == "" {
		root = defaultAPIRoot
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + strings.Trim(root, "/"),
	}
	return u.String()
}

// APIError is the JSON error body Girder returns with 4xx and 5xx responses.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("girder %d (%s): %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("girder %d: %s", e.Status, e.Message)
}

// Resource is the subset of a Girder model document the client reads.
type Resource struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

type authResponse struct {
	AuthToken struct {
		Token   string `json:"token"`
		Expires string `json:"expires"`
	} `json:"authToken"`
}

// Client talks to one Girder server.
type Client struct {
	cfg    Config
	client *req.Client
	logger *zap.Logger
}

// New builds a client. Call Authenticate before any write.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := req.C().
		SetBaseURL(cfg.BaseURL()).
		SetTimeout(cfg.Timeout).
		SetCommonErrorResult(&APIError{})
	if cfg.UserAgent != "" {
		c.SetUserAgent(cfg.UserAgent)
	}
	if cfg.Retries > 0 {
		c.SetCommonRetryCount(cfg.Retries).
			SetCommonRetryBackoffInterval(500*time.Millisecond, 5*time.Second)
	}
	return &Client{cfg: cfg, client: c, logger: logger.Named("girder")}
}

// Authenticate obtains a session token with the API key when one is
// configured, otherwise with HTTP basic auth.
func (c *Client) Authenticate(ctx context.Context) error {
	var (
		out  authResponse
		resp *req.Response
		err  error
		op   string
	)
	switch {
	case c.cfg.APIKey != "":
		op = "api key login"
		resp, err = c.client.R().
			SetContext(ctx).
			SetQueryParam("key", c.cfg.APIKey).
			SetSuccessResult(&out).
			Post("/api_key/token")
	case c.cfg.Username != "":
		op = "basic login"
		resp, err = c.client.R().
			SetContext(ctx).
			SetBasicAuth(c.cfg.Username, c.cfg.Password).
			SetSuccessResult(&out).
			Get("/user/authentication")
	default:
		return errors.New("girder: username/password or api key is required")
	}
	if err := handleAPIError(resp, err, op); err != nil {
		return err
	}
	if out.AuthToken.Token == "" {
		return fmt.Errorf("girder %s: response carried no token", op)
	}
	c.client.SetCommonHeader(TokenHeader, out.AuthToken.Token)
	c.logger.Debug("authenticated", zap.String("method", op))
	return nil
}

// GetResource loads a model document by type and id.
func (c *Client) GetResource(ctx context.Context, resourceType, id string) (Resource, error) {
	var out Resource
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"type": resourceType, "id": id}).
		SetSuccessResult(&out).
		Get("/{type}/{id}")
	if err := handleAPIError(resp, err, "get "+resourceType); err != nil {
		return Resource{}, err
	}
	return out, nil
}

// ResolveParent confirms the parent exists and returns it with its canonical id.
func (c *Client) ResolveParent(ctx context.Context, parent sink.Parent) (sink.Parent, error) {
	res, err := c.GetResource(ctx, parent.Type, parent.ID)
	if err != nil {
		return sink.Parent{}, err
	}
	return sink.Parent{ID: res.ID, Type: parent.Type}, nil
}

// LoadOrCreateContainer finds or creates a folder under parent.
func (c *Client) LoadOrCreateContainer(ctx context.Context, name string, parent sink.Parent) (string, error) {
	params := map[string]string{
		"parentType": parent.Type,
		"parentId":   parent.ID,
		"name":       name,
	}
	return c.loadOrCreate(ctx, "/folder", "folder", params)
}

// LoadOrCreateRecord finds or creates an item in a folder.
func (c *Client) LoadOrCreateRecord(ctx context.Context, name, containerID string) (string, error) {
	params := map[string]string{
		"folderId": containerID,
		"name":     name,
	}
	return c.loadOrCreate(ctx, "/item", "item", params)
}

// AttachMetadata merges metadata into an item.
func (c *Client) AttachMetadata(ctx context.Context, recordID string, metadata map[string]string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", recordID).
		SetBody(metadata).
		Put("/item/{id}/metadata")
	return handleAPIError(resp, err, "set item metadata")
}

func (c *Client) loadOrCreate(ctx context.Context, path, kind string, params map[string]string) (string, error) {
	var found []Resource
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetSuccessResult(&found).
		Get(path)
	if err := handleAPIError(resp, err, "find "+kind); err != nil {
		return "", err
	}
	if len(found) > 0 {
		return found[0].ID, nil
	}

	var created Resource
	resp, err = c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetQueryParam("reuseExisting", "true").
		SetSuccessResult(&created).
		Post(path)
	if err := handleAPIError(resp, err, "create "+kind); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("create %s: response carried no id", kind)
	}
	c.logger.Debug("created "+kind, zap.String("name", params["name"]), zap.String("id", created.ID))
	return created.ID, nil
}

func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("girder %s: %w", operation, requestErr)
	}
	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*APIError); ok && apiErr.Message != "" {
			apiErr.Status = resp.StatusCode
			return fmt.Errorf("girder %s: %w", operation, apiErr)
		}
		return fmt.Errorf("girder %s: %w", operation, &APIError{
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(resp.String()),
		})
	}
	return nil
}

var _ sink.RecordSink = (*Client)(nil)
