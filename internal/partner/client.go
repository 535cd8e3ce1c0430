package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"kiosk-service/config"
	"kiosk-service/internal/util"

	"go.uber.org/zap"
)

// Client calls the manufacturing partner API. Every request is signed; a
// bearer token from the login endpoint is attached and refreshed transparently
// when it expires. Calls are bounded by the configured timeout and never block
// indefinitely.
type Client struct {
	httpClient *http.Client
	baseURL    string
	account    string
	password   string
	secret     string
	systemID   string
	tokenTTL   time.Duration
	logger     *zap.Logger

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

// NewClient creates a partner API client from config
func NewClient(cfg config.PartnerConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		baseURL:    cfg.BaseURL,
		account:    cfg.Account,
		password:   cfg.Password,
		secret:     cfg.Secret,
		systemID:   cfg.SystemID,
		tokenTTL:   time.Duration(cfg.TokenTTLSeconds) * time.Second,
		logger:     util.GetLogger(),
	}
}

type response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Login authenticates with the partner and caches the bearer token. Login
// failure is surfaced to the caller, never swallowed.
func (c *Client) Login(ctx context.Context) error {
	payload := map[string]interface{}{
		"account":  c.account,
		"password": c.password,
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "login", payload, "", &data); err != nil {
		return fmt.Errorf("partner login failed: %w", err)
	}
	if data.Token == "" {
		return &Error{Endpoint: "login", Code: CodeAuthFailed, Message: "empty token in login response"}
	}

	c.mu.Lock()
	c.token = data.Token
	c.tokenExpiresAt = time.Now().Add(c.tokenTTL)
	c.mu.Unlock()

	c.logger.Info("Partner login succeeded", zap.Duration("token_ttl", c.tokenTTL))
	return nil
}

// currentToken returns the cached token, or "" when absent/expired
func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Now().After(c.tokenExpiresAt) {
		return ""
	}
	return c.token
}

// call runs an authenticated request. An absent or expired token triggers a
// login first; an auth rejection triggers one re-login and a single retry.
func (c *Client) call(ctx context.Context, endpoint string, payload map[string]interface{}, out interface{}) error {
	token := c.currentToken()
	if token == "" {
		if err := c.Login(ctx); err != nil {
			return err
		}
		token = c.currentToken()
	}

	err := c.post(ctx, endpoint, payload, token, out)
	if pe, ok := err.(*Error); ok && pe.Code == CodeAuthFailed {
		c.logger.Warn("Partner token rejected, re-logging in", zap.String("endpoint", endpoint))
		if err := c.Login(ctx); err != nil {
			return err
		}
		return c.post(ctx, endpoint, payload, c.currentToken(), out)
	}
	return err
}

// post signs and sends one request, decoding data into out when non-nil
func (c *Client) post(ctx context.Context, endpoint string, payload map[string]interface{}, token string, out interface{}) error {
	start := time.Now()
	defer func() {
		util.PartnerCallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["sign"] = Sign(payload, c.systemID, c.secret)

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal partner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s", c.baseURL, endpoint), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build partner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.PartnerCallFailures.WithLabelValues(endpoint, "network").Inc()
		return &Error{Endpoint: endpoint, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		util.PartnerCallFailures.WithLabelValues(endpoint, "server").Inc()
		return &Error{Endpoint: endpoint, Code: resp.StatusCode, Message: "partner server error", Transient: true}
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		util.PartnerCallFailures.WithLabelValues(endpoint, "decode").Inc()
		return &Error{Endpoint: endpoint, Message: fmt.Sprintf("undecodable response: %v", err), Transient: true}
	}

	if parsed.Code != CodeOK {
		kind := "rejected"
		if parsed.Code == CodeAuthFailed {
			kind = "auth"
		}
		util.PartnerCallFailures.WithLabelValues(endpoint, kind).Inc()
		return &Error{Endpoint: endpoint, Code: parsed.Code, Message: parsed.Msg}
	}

	if out != nil && len(parsed.Data) > 0 {
		if err := json.Unmarshal(parsed.Data, out); err != nil {
			return fmt.Errorf("failed to decode partner %s data: %w", endpoint, err)
		}
	}
	return nil
}

// QueryStock fetches the models currently available on a device
func (c *Client) QueryStock(ctx context.Context, deviceID, brandID string) ([]StockModel, error) {
	payload := map[string]interface{}{
		"device_id": deviceID,
		"brand_id":  brandID,
	}

	var data struct {
		Models []StockModel `json:"models"`
	}
	if err := c.call(ctx, "stock/query", payload, &data); err != nil {
		return nil, err
	}
	return data.Models, nil
}

// InitiatePayment starts a payment on the physical machine and returns the
// partner's payment id.
func (c *Client) InitiatePayment(ctx context.Context, req PaymentRequest) (string, error) {
	payload := map[string]interface{}{
		"out_trade_no": req.CorrelationID,
		"model_id":     req.ModelID,
		"device_id":    req.DeviceID,
		"amount":       req.Amount,
		"pay_type":     req.PayType,
	}
	if req.ShellID != "" {
		payload["shell_id"] = req.ShellID
	}

	var data struct {
		PaymentID string `json:"payment_id"`
	}
	if err := c.call(ctx, "payment/initiate", payload, &data); err != nil {
		return "", err
	}
	return data.PaymentID, nil
}

// NotifyPaymentStatus tells the partner a payment's status ahead of order
// submission. The partner's order endpoint races its own payment bookkeeping;
// notifying first avoids spurious "device unavailable" rejections.
func (c *Client) NotifyPaymentStatus(ctx context.Context, correlationID, status string) error {
	payload := map[string]interface{}{
		"out_trade_no": correlationID,
		"status":       status,
	}
	return c.call(ctx, "payment/notify", payload, nil)
}

// SubmitOrder hands a confirmed design to the partner for printing
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	payload := map[string]interface{}{
		"pay_trade_no":   req.PayCorrelationID,
		"order_trade_no": req.OrderCorrelationID,
		"model_id":       req.ModelID,
		"image_url":      req.ImageURL,
		"device_id":      req.DeviceID,
	}
	if req.ShellID != "" {
		payload["shell_id"] = req.ShellID
	}

	var result OrderResult
	if err := c.call(ctx, "order/submit", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
