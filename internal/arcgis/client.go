// Package arcgis is the feature service client: token handling, spatial and
// attribute queries against the asset map layers.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
	"github.com/tilovlandlinja/upload-imagegrid/internal/reconcile"
)

const (
	// tokenLifetimeMinutes is requested from the token endpoint; the cached
	// token is refreshed ten minutes before it expires.
	tokenLifetimeMinutes = 60
	tokenRefreshAfter    = 50 * time.Minute

	// statusInvalidToken is the service's token rejection status.
	statusInvalidToken = 498

	// layerSRID is the spatial reference of the asset layers, ETRS89 / UTM
	// zone 33N.
	layerSRID = "25833"
)

// Config configures the feature service client.
type Config struct {
	// BaseURL is the primary asset layer (masts).
	BaseURL string
	// SubstationURL is the substation layer used for marking lookups.
	SubstationURL string
	// TokenURL is the token generation endpoint.
	TokenURL string

	Username string
	Password string
	// RequestIP is the client referer sent with token requests.
	RequestIP string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Client is a feature service client with lazy token refresh. Safe for
// concurrent use.
type Client struct {
	cfg  Config
	http *http.Client

	mu           sync.Mutex
	token        string
	tokenRefresh time.Time
}

// NewClient creates a feature service client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.TokenURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("token URL and credentials are required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// Geometry is a feature's projected position.
type Geometry struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Feature is one record from a layer query.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry"`
}

type serviceFault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type queryResponse struct {
	Features []Feature     `json:"features"`
	Error    *serviceFault `json:"error"`
}

type tokenResponse struct {
	Token string        `json:"token"`
	Error *serviceFault `json:"error"`
}

// accessToken returns a valid token, fetching a new one when the cached token
// is past its refresh deadline.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenRefresh) {
		return c.token, nil
	}
	return c.fetchTokenLocked(ctx)
}

// invalidateToken drops the cached token so the next request re-authenticates.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) fetchTokenLocked(ctx context.Context) (string, error) {
	form := url.Values{
		"username":   {c.cfg.Username},
		"password":   {c.cfg.Password},
		"client":     {"requestip"},
		"requestip":  {c.cfg.RequestIP},
		"expiration": {strconv.Itoa(tokenLifetimeMinutes)},
		"f":          {"json"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &reconcile.ServiceError{Service: "arcgis", Op: "token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &reconcile.ServiceError{Service: "arcgis", Op: "token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &reconcile.ServiceError{Service: "arcgis", Op: "token", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &reconcile.ServiceError{
			Service: "arcgis", Op: "token",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &reconcile.ServiceError{Service: "arcgis", Op: "token", Err: err}
	}
	if tr.Token == "" {
		msg := "no token in response"
		if tr.Error != nil {
			msg = tr.Error.Message
		}
		return "", &reconcile.ServiceError{Service: "arcgis", Op: "token", Err: fmt.Errorf("%s", msg)}
	}

	c.token = tr.Token
	c.tokenRefresh = time.Now().Add(tokenRefreshAfter)
	log.Debug().Msg("feature service token refreshed")
	return c.token, nil
}

// query issues an authenticated layer query. A token rejection triggers one
// re-authentication and retry; any second failure propagates.
func (c *Client) query(ctx context.Context, layerURL string, params url.Values) ([]Feature, error) {
	features, retry, err := c.queryOnce(ctx, layerURL, params)
	if retry {
		c.invalidateToken()
		features, _, err = c.queryOnce(ctx, layerURL, params)
	}
	return features, err
}

func (c *Client) queryOnce(ctx context.Context, layerURL string, params url.Values) (features []Feature, retry bool, err error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, false, err
	}

	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("token", token)
	q.Set("f", "json")

	endpoint := strings.TrimSuffix(layerURL, "/") + "/query?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, &reconcile.ServiceError{Service: "arcgis", Op: "query", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, &reconcile.ServiceError{Service: "arcgis", Op: "query", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, &reconcile.ServiceError{Service: "arcgis", Op: "query", Err: err}
	}
	if resp.StatusCode == statusInvalidToken {
		return nil, true, &reconcile.ServiceError{
			Service: "arcgis", Op: "query",
			Err: fmt.Errorf("token rejected (status %d)", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &reconcile.ServiceError{
			Service: "arcgis", Op: "query",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, false, &reconcile.ServiceError{Service: "arcgis", Op: "query", Err: err}
	}
	if qr.Error != nil {
		// The service also reports token rejection inside a 200 body.
		if qr.Error.Code == statusInvalidToken {
			return nil, true, &reconcile.ServiceError{
				Service: "arcgis", Op: "query",
				Err: fmt.Errorf("token rejected: %s", qr.Error.Message),
			}
		}
		return nil, false, &reconcile.ServiceError{
			Service: "arcgis", Op: "query",
			Err: fmt.Errorf("service fault %d: %s", qr.Error.Code, qr.Error.Message),
		}
	}
	return qr.Features, false, nil
}

// QueryWithinRadius returns all features of the primary layer within
// radiusMeters of the projected point.
func (c *Client) QueryWithinRadius(ctx context.Context, p geo.ProjectedPoint, radiusMeters float64) ([]Feature, error) {
	geometry := fmt.Sprintf(`{"x":%.2f,"y":%.2f}`, p.Easting, p.Northing)
	params := url.Values{
		"geometry":       {geometry},
		"geometryType":   {"esriGeometryPoint"},
		"inSR":           {layerSRID},
		"spatialRel":     {"esriSpatialRelIntersects"},
		"distance":       {strconv.FormatFloat(radiusMeters, 'f', -1, 64)},
		"units":          {"esriSRUnit_Meter"},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
	}
	return c.query(ctx, c.cfg.BaseURL, params)
}

// QueryByID returns the primary-layer feature with the given numeric
// identifier, or nil when none matches.
func (c *Client) QueryByID(ctx context.Context, id string) (*Feature, error) {
	if !isDigits(id) {
		return nil, &reconcile.ServiceError{
			Service: "arcgis", Op: "query",
			Err: fmt.Errorf("non-numeric identifier %q", id),
		}
	}
	params := url.Values{
		"where":          {fmt.Sprintf("ID = %s", id)},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
	}
	features, err := c.query(ctx, c.cfg.BaseURL, params)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, nil
	}
	return &features[0], nil
}

// QueryByAttribute returns all primary-layer features whose field equals the
// given value.
func (c *Client) QueryByAttribute(ctx context.Context, field, value string) ([]Feature, error) {
	params := url.Values{
		"where":          {fmt.Sprintf("%s='%s'", field, escapeLiteral(value))},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
	}
	return c.query(ctx, c.cfg.BaseURL, params)
}

// QuerySubstationByMarking looks up a substation by its operational marking,
// or nil when none matches. Requires SubstationURL to be configured.
func (c *Client) QuerySubstationByMarking(ctx context.Context, marking string) (*Feature, error) {
	if c.cfg.SubstationURL == "" {
		return nil, &reconcile.ServiceError{
			Service: "arcgis", Op: "query",
			Err: fmt.Errorf("substation layer not configured"),
		}
	}
	params := url.Values{
		"where":          {fmt.Sprintf("DRIFTSMERKING='%s'", escapeLiteral(marking))},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
	}
	features, err := c.query(ctx, c.cfg.SubstationURL, params)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, nil
	}
	return &features[0], nil
}

// escapeLiteral doubles single quotes for a where-clause string literal.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
