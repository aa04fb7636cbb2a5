package lotlinesdk

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
)

// Client is a minimal Lotline HTTP API client.
type Client struct {
	BaseURL     string
	RegistryID  string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, registryID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		RegistryID: registryID,
		Timeout:    10 * time.Second,
	}
}

// Lot represents the API lot model (partial).
type Lot struct {
	ID          string  `json:"id"`
	RegistryID  string  `json:"registry_id"`
	ProjectID   string  `json:"project_id"`
	VintageYear int     `json:"vintage_year"`
	Quantity    float64 `json:"quantity"`
	Remaining   float64 `json:"remaining"`
	State       string  `json:"state"`
	PDI         int     `json:"pdi"`
}

// Proof represents lot evidence.
type Proof struct {
	ID     string `json:"id"`
	LotID  string `json:"lot_id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	URI    string `json:"uri,omitempty"`
}

// LotScore is the proof density breakdown for a lot.
type LotScore struct {
	LotID      string          `json:"lot_id"`
	PDI        int             `json:"pdi"`
	Listable   bool            `json:"listable"`
	Threshold  int             `json:"threshold"`
	Categories map[string]bool `json:"categories"`
}

// Order represents a purchase against a lot.
type Order struct {
	ID            string  `json:"id"`
	RegistryID    string  `json:"registry_id"`
	LotID         string  `json:"lot_id"`
	BuyerID       string  `json:"buyer_id"`
	Quantity      float64 `json:"quantity"`
	PricePerTonne float64 `json:"price_per_tonne"`
	State         string  `json:"state"`
}

// Claim represents a retirement claim (partial).
type Claim struct {
	ID             string `json:"id"`
	RegistryID     string `json:"registry_id"`
	OrderID        string `json:"order_id"`
	State          string `json:"state"`
	Step           int    `json:"step"`
	StepName       string `json:"step_name"`
	BadgeRequested bool   `json:"badge_requested"`
	BadgeSerial    *int64 `json:"badge_serial,omitempty"`
	PackFileID     string `json:"pack_file_id,omitempty"`
	AnchorTxID     string `json:"anchor_tx_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RegistryID string         `json:"registry_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateLot creates a draft lot.
func (c *Client) CreateLot(ctx context.Context, projectID string, vintageYear int, quantity float64) (Lot, error) {
	body := map[string]any{
		"project_id":   projectID,
		"vintage_year": vintageYear,
		"quantity":     quantity,
	}
	var resp Lot
	err := c.do(ctx, http.MethodPost, c.registryPath("lots"), body, &resp)
	return resp, err
}

// TransitionLot moves a lot to a new state.
func (c *Client) TransitionLot(ctx context.Context, lotID, to string, extra map[string]any) (Lot, error) {
	body := map[string]any{"to": to}
	for k, v := range extra {
		body[k] = v
	}
	var resp Lot
	endpoint := c.registryPath(fmt.Sprintf("lots/%s/transition", url.PathEscape(lotID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddProof attaches evidence to a lot.
func (c *Client) AddProof(ctx context.Context, lotID, proofType, uri string, scores map[string]any) (Proof, error) {
	body := map[string]any{
		"type": proofType,
		"uri":  uri,
	}
	for k, v := range scores {
		body[k] = v
	}
	var resp Proof
	endpoint := c.registryPath(fmt.Sprintf("lots/%s/proofs", url.PathEscape(lotID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// VerifyProof marks a proof verified.
func (c *Client) VerifyProof(ctx context.Context, proofID string, scores map[string]any) (Proof, error) {
	body := map[string]any{}
	for k, v := range scores {
		body[k] = v
	}
	var resp Proof
	endpoint := c.registryPath(fmt.Sprintf("proofs/%s/verify", url.PathEscape(proofID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// LotPDI returns the lot's proof density score.
func (c *Client) LotPDI(ctx context.Context, lotID string) (LotScore, error) {
	var resp LotScore
	endpoint := c.registryPath(fmt.Sprintf("lots/%s/pdi", url.PathEscape(lotID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateOrder opens an order against a listed lot.
func (c *Client) CreateOrder(ctx context.Context, lotID, buyerID string, quantity float64) (Order, error) {
	body := map[string]any{
		"lot_id":   lotID,
		"buyer_id": buyerID,
		"quantity": quantity,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, c.registryPath("orders"), body, &resp)
	return resp, err
}

// TransitionOrder moves an order to a new state.
func (c *Client) TransitionOrder(ctx context.Context, orderID, to string, extra map[string]any) (Order, error) {
	body := map[string]any{"to": to}
	for k, v := range extra {
		body[k] = v
	}
	var resp Order
	endpoint := c.registryPath(fmt.Sprintf("orders/%s/transition", url.PathEscape(orderID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateClaim starts a retirement claim for a completed order.
func (c *Client) CreateClaim(ctx context.Context, orderID string, badgeRequested bool) (Claim, error) {
	body := map[string]any{
		"order_id":        orderID,
		"badge_requested": badgeRequested,
	}
	var resp Claim
	err := c.do(ctx, http.MethodPost, c.registryPath("claims"), body, &resp)
	return resp, err
}

// AdvanceClaim performs the claim's current workflow step.
func (c *Client) AdvanceClaim(ctx context.Context, claimID string, stepInput map[string]any) (Claim, error) {
	body := map[string]any{}
	for k, v := range stepInput {
		body[k] = v
	}
	var resp Claim
	endpoint := c.registryPath(fmt.Sprintf("claims/%s/steps/advance", url.PathEscape(claimID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.registryPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) registryPath(p string) string {
	registry := url.PathEscape(c.RegistryID)
	return fmt.Sprintf("v0/registries/%s/%s", registry, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
