// Package imagegrid is the upload platform client: OAuth client-credentials
// auth, content-hash existence lookup, multipart transfer and schema-task
// metadata updates.
package imagegrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tilovlandlinja/upload-imagegrid/internal/reconcile"
)

const (
	// tokenScope covers grid, admin and file operations.
	tokenScope = "imgr.grid.api admin.api file.api"

	// tokenLifetime is how long a fetched token is reused before
	// re-authenticating.
	tokenLifetime = 30 * time.Minute
)

// Config configures the upload platform client.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIURL       string
	Tenant       string
	// Schema names the metadata schema run against uploaded images.
	Schema string

	// HTTPClient defaults to a client with a 60s timeout; uploads of
	// full-size photos can be slow.
	HTTPClient *http.Client
}

// Client is the upload platform client. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client

	mu           sync.Mutex
	token        string
	tokenRefresh time.Time
}

// NewClient creates an upload platform client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenURL == "" || cfg.APIURL == "" {
		return nil, fmt.Errorf("client credentials, token URL and API URL are required")
	}
	if cfg.Tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenRefresh) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"scope":         {tokenScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "token", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &reconcile.ServiceError{
			Service: "imagegrid", Op: "token",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var tr struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "token", Err: err}
	}
	if tr.AccessToken == "" {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "token", Err: fmt.Errorf("no access token in response")}
	}

	c.token = tr.AccessToken
	c.tokenRefresh = time.Now().Add(tokenLifetime)
	log.Debug().Msg("platform token refreshed")
	return c.token, nil
}

func (c *Client) endpoint(parts ...string) string {
	base := strings.TrimSuffix(c.cfg.APIURL, "/")
	return base + "/api/v1.0/" + strings.Join(parts, "/")
}

// Exists reports whether content with this hash is already stored on the
// platform. Nil means unknown content.
func (c *Client) Exists(ctx context.Context, contentHash string) (*reconcile.RemoteRecord, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"key":   {"filehash"},
		"value": {contentHash},
		"skip":  {"0"},
		"limit": {"50"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.Tenant, "search")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &reconcile.ServiceError{Service: "imagegrid", Op: "exists", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &reconcile.ServiceError{Service: "imagegrid", Op: "exists", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &reconcile.ServiceError{Service: "imagegrid", Op: "exists", Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &reconcile.ServiceError{
			Service: "imagegrid", Op: "exists",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var sr struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &reconcile.ServiceError{Service: "imagegrid", Op: "exists", Err: err}
	}
	if len(sr.Results) == 0 {
		return nil, nil
	}
	return &reconcile.RemoteRecord{ID: recordID(sr.Results[0])}, nil
}

// UploadBytes transfers the image via multipart POST and returns the platform
// identifier of the stored content.
func (c *Client) UploadBytes(ctx context.Context, data []byte, filename, contentHash string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "upload", Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "upload", Err: err}
	}
	if err := w.Close(); err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "upload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.Tenant, "upload"), &buf)
	if err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "upload", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "upload", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &reconcile.ServiceError{
			Service: "imagegrid", Op: "upload",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &reconcile.ServiceError{Service: "imagegrid", Op: "upload", Err: err}
	}
	return recordID(result), nil
}

// UpdateMetadata runs the schema tasks for the stored image with the given
// attributes.
func (c *Client) UpdateMetadata(ctx context.Context, remoteID string, attributes map[string]any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(prepareRecord(attributes))
	if err != nil {
		return &reconcile.ServiceError{Service: "imagegrid", Op: "update", Err: err}
	}

	endpoint := c.endpoint(c.cfg.Tenant, c.cfg.Schema, remoteID, "runschematasks")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &reconcile.ServiceError{Service: "imagegrid", Op: "update", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &reconcile.ServiceError{Service: "imagegrid", Op: "update", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &reconcile.ServiceError{Service: "imagegrid", Op: "update", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &reconcile.ServiceError{
			Service: "imagegrid", Op: "update",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return nil
}

// prepareRecord encodes attributes the way the schema tasks expect: the
// location stays a GeoJSON object under "Location", every other value is sent
// as a string.
func prepareRecord(attributes map[string]any) map[string]any {
	record := make(map[string]any, len(attributes))
	for k, v := range attributes {
		if v == nil {
			continue
		}
		if strings.EqualFold(k, "location") {
			record["Location"] = v
			continue
		}
		switch t := v.(type) {
		case string:
			record[k] = t
		default:
			record[k] = fmt.Sprintf("%v", t)
		}
	}
	return record
}

// recordID pulls the content identifier out of a platform response. The API
// is inconsistent about the key's casing.
func recordID(record map[string]any) string {
	for _, key := range []string{"id", "Id", "ID"} {
		if v, ok := record[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%.0f", f)
			}
		}
	}
	return ""
}
