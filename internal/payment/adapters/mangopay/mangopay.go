// Package mangopay implements the gateway adapter against the Mangopay API.
package mangopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
)

const defaultBaseURL = "https://api.mangopay.com"

type Adapter struct {
	clientID string
	apiKey   string
	baseURL  string
	client   *http.Client
}

func New(clientID, apiKey, baseURL string, timeout time.Duration) *Adapter {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Adapter{
		clientID: strings.TrimSpace(clientID),
		apiKey:   strings.TrimSpace(apiKey),
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Provider() string { return "mangopay" }

type apiResponse struct {
	ID            string `json:"Id"`
	Status        string `json:"Status"`
	ResultMessage string `json:"ResultMessage"`
}

func (a *Adapter) Charge(ctx context.Context, amountMinor int64, currency, method string) (paymentdomain.GatewayResult, error) {
	payload := map[string]any{
		"Tag":           uuid.NewString(),
		"DebitedFunds":  map[string]any{"Currency": currency, "Amount": amountMinor},
		"PaymentType":   strings.ToUpper(method),
		"ExecutionType": "DIRECT",
	}
	out, err := a.doRequest(ctx, "/v2.01/"+a.clientID+"/payins", payload)
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out), nil
}

func (a *Adapter) ChargeStatus(ctx context.Context, transactionID string) (paymentdomain.GatewayResult, error) {
	return a.doGet(ctx, "/v2.01/"+a.clientID+"/payins/"+url.PathEscape(transactionID))
}

func (a *Adapter) Refund(ctx context.Context, transactionID string, amountMinor int64) (paymentdomain.GatewayResult, error) {
	payload := map[string]any{
		"Tag":          uuid.NewString(),
		"DebitedFunds": map[string]any{"Amount": amountMinor},
	}
	out, err := a.doRequest(ctx, "/v2.01/"+a.clientID+"/payins/"+url.PathEscape(transactionID)+"/refunds", payload)
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out), nil
}

func (a *Adapter) RefundStatus(ctx context.Context, refundID string) (paymentdomain.GatewayResult, error) {
	return a.doGet(ctx, "/v2.01/"+a.clientID+"/refunds/"+url.PathEscape(refundID))
}

func (a *Adapter) Payout(ctx context.Context, amountMinor int64, currency string, bankDetails datatypes.JSON) (paymentdomain.GatewayResult, error) {
	var details struct {
		BankAccountID string `json:"bank_account_id"`
		OwnerName     string `json:"owner_name"`
	}
	if err := json.Unmarshal(bankDetails, &details); err != nil {
		return paymentdomain.GatewayResult{}, err
	}

	payload := map[string]any{
		"Tag":           uuid.NewString(),
		"DebitedFunds":  map[string]any{"Currency": currency, "Amount": amountMinor},
		"BankAccountId": details.BankAccountID,
	}
	out, err := a.doRequest(ctx, "/v2.01/"+a.clientID+"/payouts/bankwire", payload)
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out), nil
}

func (a *Adapter) PayoutStatus(ctx context.Context, transactionID string) (paymentdomain.GatewayResult, error) {
	return a.doGet(ctx, "/v2.01/"+a.clientID+"/payouts/"+url.PathEscape(transactionID))
}

func (a *Adapter) doGet(ctx context.Context, path string) (paymentdomain.GatewayResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	req.SetBasicAuth(a.clientID, a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return paymentdomain.GatewayResult{}, wrapTransportError(err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return paymentdomain.GatewayResult{}, err
	}
	return mapResult(out), nil
}

func (a *Adapter) doRequest(ctx context.Context, path string, payload map[string]any) (apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return apiResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, err
	}
	req.SetBasicAuth(a.clientID, a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return apiResponse{}, wrapTransportError(err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apiResponse{}, err
	}
	if resp.StatusCode >= http.StatusBadRequest && out.ResultMessage == "" {
		out.ResultMessage = "mangopay_request_failed"
	}
	return out, nil
}

func mapResult(out apiResponse) paymentdomain.GatewayResult {
	switch out.Status {
	case "SUCCEEDED":
		return paymentdomain.GatewayResult{TransactionID: out.ID, Status: paymentdomain.GatewayStatusSucceeded}
	case "CREATED":
		return paymentdomain.GatewayResult{TransactionID: out.ID, Status: paymentdomain.GatewayStatusPending}
	default:
		reason := out.ResultMessage
		if reason == "" {
			reason = "mangopay_" + strings.ToLower(out.Status)
		}
		return paymentdomain.GatewayResult{
			TransactionID: out.ID,
			Status:        paymentdomain.GatewayStatusFailed,
			FailureReason: reason,
		}
	}
}

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
