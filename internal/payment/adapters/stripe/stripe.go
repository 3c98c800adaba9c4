// Package stripe implements the gateway adapter against the Stripe HTTP API.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
)

const defaultBaseURL = "https://api.stripe.com"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, timeout time.Duration) *Adapter {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Adapter{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Provider() string { return "stripe" }

type intentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Charge(ctx context.Context, amountMinor int64, currency, method string) (paymentdomain.GatewayResult, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(amountMinor, 10))
	values.Set("currency", strings.ToLower(currency))
	values.Set("payment_method", strings.TrimSpace(method))
	values.Set("confirm", "true")

	out, err := a.doRequest(ctx, "/v1/payment_intents", values)
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out, map[string]paymentdomain.GatewayStatus{
		"succeeded":  paymentdomain.GatewayStatusSucceeded,
		"processing": paymentdomain.GatewayStatusPending,
	}), nil
}

func (a *Adapter) Payout(ctx context.Context, amountMinor int64, currency string, bankDetails datatypes.JSON) (paymentdomain.GatewayResult, error) {
	var details struct {
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(bankDetails, &details); err != nil {
		return paymentdomain.GatewayResult{}, err
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(amountMinor, 10))
	values.Set("currency", strings.ToLower(currency))
	values.Set("destination", details.Destination)

	out, err := a.doRequest(ctx, "/v1/transfers", values)
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out, map[string]paymentdomain.GatewayStatus{
		"paid":       paymentdomain.GatewayStatusSucceeded,
		"pending":    paymentdomain.GatewayStatusPending,
		"in_transit": paymentdomain.GatewayStatusPending,
	}), nil
}

func (a *Adapter) Refund(ctx context.Context, transactionID string, amountMinor int64) (paymentdomain.GatewayResult, error) {
	values := url.Values{}
	values.Set("payment_intent", transactionID)
	values.Set("amount", strconv.FormatInt(amountMinor, 10))

	out, err := a.doRequest(ctx, "/v1/refunds", values)
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out, map[string]paymentdomain.GatewayStatus{
		"succeeded": paymentdomain.GatewayStatusSucceeded,
		"pending":   paymentdomain.GatewayStatusPending,
	}), nil
}

func (a *Adapter) RefundStatus(ctx context.Context, refundID string) (paymentdomain.GatewayResult, error) {
	out, err := a.doGet(ctx, "/v1/refunds/"+url.PathEscape(refundID))
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out, map[string]paymentdomain.GatewayStatus{
		"succeeded": paymentdomain.GatewayStatusSucceeded,
		"pending":   paymentdomain.GatewayStatusPending,
	}), nil
}

func (a *Adapter) ChargeStatus(ctx context.Context, transactionID string) (paymentdomain.GatewayResult, error) {
	out, err := a.doGet(ctx, "/v1/payment_intents/"+url.PathEscape(transactionID))
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out, map[string]paymentdomain.GatewayStatus{
		"succeeded":  paymentdomain.GatewayStatusSucceeded,
		"processing": paymentdomain.GatewayStatusPending,
	}), nil
}

func (a *Adapter) PayoutStatus(ctx context.Context, transactionID string) (paymentdomain.GatewayResult, error) {
	out, err := a.doGet(ctx, "/v1/transfers/"+url.PathEscape(transactionID))
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out, map[string]paymentdomain.GatewayStatus{
		"paid":       paymentdomain.GatewayStatusSucceeded,
		"pending":    paymentdomain.GatewayStatusPending,
		"in_transit": paymentdomain.GatewayStatusPending,
	}), nil
}

func (a *Adapter) doGet(ctx context.Context, path string) (intentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return intentResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return intentResponse{}, wrapTransportError(err)
	}
	defer resp.Body.Close()

	var out intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return intentResponse{}, err
	}
	if resp.StatusCode >= http.StatusBadRequest && out.Error.Message == "" {
		out.Error.Message = "stripe_request_failed"
	}
	return out, nil
}

func (a *Adapter) doRequest(ctx context.Context, path string, values url.Values) (intentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return intentResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := a.client.Do(req)
	if err != nil {
		return intentResponse{}, wrapTransportError(err)
	}
	defer resp.Body.Close()

	var out intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return intentResponse{}, err
	}
	if resp.StatusCode >= http.StatusBadRequest && out.Error.Message == "" {
		out.Error.Message = "stripe_request_failed"
	}
	return out, nil
}

func mapResult(out intentResponse, statuses map[string]paymentdomain.GatewayStatus) paymentdomain.GatewayResult {
	if out.Error.Message != "" {
		return paymentdomain.GatewayResult{
			TransactionID: out.ID,
			Status:        paymentdomain.GatewayStatusFailed,
			FailureReason: out.Error.Message,
		}
	}
	status, ok := statuses[out.Status]
	if !ok {
		status = paymentdomain.GatewayStatusFailed
	}
	return paymentdomain.GatewayResult{TransactionID: out.ID, Status: status}
}

// wrapTransportError marks timeouts and cancellations as indeterminate so the
// caller leaves the entity in flight for reconciliation.
func wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return paymentdomain.ErrGatewayIndeterminate
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return paymentdomain.ErrGatewayIndeterminate
	}
	return err
}
