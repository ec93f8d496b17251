package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gozon/fulfillment/internal/apperr"
)

const SignatureHeader = "X-Signature"

// Sign returns the hex HMAC-SHA256 of payload, the format both platforms use.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verify checks a callback signature. Without a secret every callback is
// rejected unless unsigned callbacks were explicitly allowed.
func verify(secret string, allowUnsigned bool, payload []byte, signature string) error {
	if secret == "" {
		if allowUnsigned {
			return nil
		}
		return apperr.Validation("signature", "no callback secret configured")
	}
	expected := Sign(secret, payload)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return apperr.Validation("signature", "callback signature mismatch")
	}
	return nil
}

type jsonClient struct {
	service string
	baseURL string
	secret  string
	http    *http.Client
}

func newJSONClient(service, baseURL, secret string, timeout time.Duration) jsonClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return jsonClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends a signed JSON request. Network failures and 5xx responses are
// transient; 4xx responses are permanent unless they decode to a PlatformError,
// which is returned as is for the caller to classify.
func (c jsonClient) do(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.External(c.service, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.External(c.service, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return raw, apperr.External(c.service, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)))
	case resp.StatusCode >= 400:
		var perr PlatformError
		if json.Unmarshal(raw, &perr) == nil && perr.Code != "" {
			return raw, &perr
		}
		return raw, apperr.Permanent(apperr.External(c.service, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw))))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, apperr.Permanent(fmt.Errorf("decode %s response: %w", c.service, err))
		}
	}
	return raw, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// HTTPPaymentProvider talks to a JSON payment gateway.
type HTTPPaymentProvider struct {
	name          string
	client        jsonClient
	allowUnsigned bool
}

func NewHTTPPaymentProvider(name, baseURL, secret string, timeout time.Duration) *HTTPPaymentProvider {
	return &HTTPPaymentProvider{
		name:   name,
		client: newJSONClient("payment provider "+name, baseURL, secret, timeout),
	}
}

// AllowUnsignedCallbacks accepts callbacks without a signature when no secret
// is configured. Local development only.
func (p *HTTPPaymentProvider) AllowUnsignedCallbacks() *HTTPPaymentProvider {
	p.allowUnsigned = true
	return p
}

func (p *HTTPPaymentProvider) Name() string {
	return p.name
}

func (p *HTTPPaymentProvider) CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResponse, error) {
	var resp CreatePaymentResponse
	if _, err := p.client.do(ctx, http.MethodPost, "/payments", req, &resp); err != nil {
		return resp, err
	}
	if resp.Reference == "" {
		return resp, apperr.Permanent(errors.New("payment provider returned empty reference"))
	}
	return resp, nil
}

func (p *HTTPPaymentProvider) QueryPayment(ctx context.Context, reference string) (PaymentReport, error) {
	var body struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}
	raw, err := p.client.do(ctx, http.MethodGet, "/payments/"+reference, nil, &body)
	if err != nil {
		return PaymentReport{}, err
	}
	return PaymentReport{
		Reference: reference,
		Outcome:   ParseOutcome(body.Status),
		Raw:       json.RawMessage(raw),
	}, nil
}

func (p *HTTPPaymentProvider) VerifyCallback(payload []byte, signature string) error {
	return verify(p.client.secret, p.allowUnsigned, payload, signature)
}

// ParseOutcome normalises the status vocabularies of the supported gateways.
func ParseOutcome(status string) Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded", "success", "paid", "completed", "trade_success", "captured":
		return OutcomeSucceeded
	case "failed", "failure", "declined", "closed", "trade_closed", "cancelled", "canceled":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// HTTPLogisticsPlatform uploads shipment data to the marketplace/logistics API.
type HTTPLogisticsPlatform struct {
	client jsonClient
}

func NewHTTPLogisticsPlatform(baseURL, secret string, timeout time.Duration) *HTTPLogisticsPlatform {
	return &HTTPLogisticsPlatform{client: newJSONClient("logistics platform", baseURL, secret, timeout)}
}

func (p *HTTPLogisticsPlatform) UploadShipment(ctx context.Context, upload ShipmentUpload) (UploadResult, error) {
	var result UploadResult
	raw, err := p.client.do(ctx, http.MethodPost, "/shipments", upload, &result)
	if result.Response == "" {
		result.Response = truncate(raw)
	}
	return result, err
}

func (p *HTTPLogisticsPlatform) CancelOrder(ctx context.Context, externalID, reason string) error {
	_, err := p.client.do(ctx, http.MethodPost, "/orders/"+externalID+"/cancel", map[string]string{"reason": reason}, nil)
	return err
}
