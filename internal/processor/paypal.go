// Package processor wraps outbound calls to the PayPal Orders v2 API.
// It is a stateless adapter: every fault, timeout or error response
// comes back as a plain error for the engine to record.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-gateway/internal/telemetry"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"

	sandboxBaseURL    = "https://api-m.sandbox.paypal.com"
	productionBaseURL = "https://api-m.paypal.com"

	// Renew the cached token this long before it actually expires.
	tokenExpirySkew = 60 * time.Second
)

// Config carries the processor credentials. BaseURL overrides the
// environment-derived endpoint (tests point it at a local server).
type Config struct {
	ClientID     string
	ClientSecret string
	Environment  string
	BaseURL      string
	Timeout      time.Duration
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == EnvironmentProduction {
		return productionBaseURL
	}
	return sandboxBaseURL
}

type Client struct {
	cfg        Config
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type orderAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	Amount      orderAmount `json:"amount"`
	Description string      `json:"description,omitempty"`
}

type applicationContext struct {
	ReturnURL string `json:"return_url,omitempty"`
	CancelURL string `json:"cancel_url,omitempty"`
	BrandName string `json:"brand_name,omitempty"`
}

type createOrderBody struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	Payer struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		Amount   orderAmount `json:"amount"`
		Payments struct {
			Captures []struct {
				Amount orderAmount `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o orderResponse) approvalURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func (o orderResponse) amount() (value, currency string) {
	if len(o.PurchaseUnits) == 0 {
		return "", ""
	}
	pu := o.PurchaseUnits[0]
	if len(pu.Payments.Captures) > 0 {
		a := pu.Payments.Captures[0].Amount
		return a.Value, a.CurrencyCode
	}
	return pu.Amount.Value, pu.Amount.CurrencyCode
}

func (c *Client) CreateOrder(ctx context.Context, req interfaces.CreateOrderRequest) (*interfaces.OrderResult, error) {
	body := createOrderBody{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			Amount:      orderAmount{CurrencyCode: req.Currency, Value: req.Amount},
			Description: req.Description,
		}},
		ApplicationContext: applicationContext{
			ReturnURL: req.ReturnURL,
			CancelURL: req.CancelURL,
			BrandName: req.BrandName,
		},
	}

	var resp orderResponse
	if err := c.call(ctx, http.MethodPost, "/v2/checkout/orders", body, &resp); err != nil {
		return nil, err
	}

	return &interfaces.OrderResult{
		ID:          resp.ID,
		Status:      resp.Status,
		ApprovalURL: resp.approvalURL(),
	}, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*interfaces.OrderResult, error) {
	var resp orderResponse
	if err := c.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return nil, err
	}

	value, currency := resp.amount()
	return &interfaces.OrderResult{
		ID:          resp.ID,
		Status:      resp.Status,
		ApprovalURL: resp.approvalURL(),
		PayerEmail:  resp.Payer.EmailAddress,
		Amount:      value,
		Currency:    currency,
	}, nil
}

func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*interfaces.CaptureResult, error) {
	var resp orderResponse
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, &resp); err != nil {
		return nil, err
	}

	value, currency := resp.amount()
	return &interfaces.CaptureResult{
		Status:     resp.Status,
		PayerEmail: resp.Payer.EmailAddress,
		Amount:     value,
		Currency:   currency,
	}, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.baseURL()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("processor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// token returns the cached OAuth access token, fetching a fresh one
// when missing or close to expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.baseURL()+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("processor auth failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - tokenExpirySkew)
	telemetry.Logger.Debug("Fetched processor access token",
		zap.Time("expires", c.tokenExpiry))

	return c.accessToken, nil
}

// apiError turns a non-2xx processor response into an error carrying
// the processor's own message when one is present.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed struct {
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Name             string `json:"name"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			return fmt.Errorf("processor error (%d): %s", resp.StatusCode, parsed.Message)
		case parsed.ErrorDescription != "":
			return fmt.Errorf("processor error (%d): %s", resp.StatusCode, parsed.ErrorDescription)
		case parsed.Name != "":
			return fmt.Errorf("processor error (%d): %s", resp.StatusCode, parsed.Name)
		}
	}
	return fmt.Errorf("processor error (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
