package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/booking-settlement/internal/config"
)

const zaloPayDefaultEndpoint = "https://sb-openapi.zalopay.vn/v2/create"

// ZaloPay integrates ZaloPay. key1 signs outgoing orders, key2 signs
// everything ZaloPay sends back.
type ZaloPay struct {
	config config.ZaloPayConfig
	client *http.Client
	logger *logrus.Logger
	now    func() time.Time
}

type zaloPayCreateResponse struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
	OrderURL      string `json:"order_url"`
}

// zaloPayCallbackData is the signed "data" document of a server callback
type zaloPayCallbackData struct {
	AppTransID string      `json:"app_trans_id"`
	Amount     json.Number `json:"amount"`
	ZpTransID  json.Number `json:"zp_trans_id"`
}

// NewZaloPay creates the ZaloPay adapter
func NewZaloPay(cfg config.ZaloPayConfig, client *http.Client, logger *logrus.Logger) *ZaloPay {
	return &ZaloPay{config: cfg, client: client, logger: logger, now: time.Now}
}

// Name implements Gateway
func (z *ZaloPay) Name() string { return "zalopay" }

// CheckoutURL creates a ZaloPay order and returns its order_url
func (z *ZaloPay) CheckoutURL(ctx context.Context, req PaymentRequest) (string, error) {
	amount, err := wholeUnits(z.Name(), req.Amount)
	if err != nil {
		return "", err
	}

	appTime := strconv.FormatInt(z.now().UnixMilli(), 10)
	embedData := fmt.Sprintf(`{"redirecturl":%q}`, z.config.ReturnURL)
	item := "[]"
	appUser := req.BookingID.String()

	form := url.Values{}
	form.Set("app_id", z.config.AppID)
	form.Set("app_trans_id", req.Reference)
	form.Set("app_user", appUser)
	form.Set("app_time", appTime)
	form.Set("amount", amount)
	form.Set("item", item)
	form.Set("embed_data", embedData)
	form.Set("description", req.Description)
	form.Set("callback_url", z.config.WebhookURL)
	form.Set("mac", hmacSHA256Hex(z.config.Key1, strings.Join(
		[]string{z.config.AppID, req.Reference, appUser, amount, appTime, embedData, item}, "|")))

	endpoint := z.config.CheckoutURL
	if endpoint == "" {
		endpoint = zaloPayDefaultEndpoint
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	z.logger.WithFields(logrus.Fields{
		"app_trans_id": req.Reference,
		"amount":       amount,
	}).Info("Initiating ZaloPay payment")

	resp, err := z.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	var created zaloPayCreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if created.ReturnCode != 1 || created.OrderURL == "" {
		return "", fmt.Errorf("payment initiation failed: %d %s", created.ReturnCode, created.ReturnMessage)
	}
	return created.OrderURL, nil
}

// WebhookParams implements Gateway. The callback body is {"data": "...", "mac": "...", "type": 1}.
func (z *ZaloPay) WebhookParams(raw []byte, signature string) (map[string]string, error) {
	params, err := flattenJSON(raw)
	if err != nil {
		return nil, err
	}
	if params["data"] == "" {
		return nil, fmt.Errorf("invalid notification body: missing data")
	}
	if params["mac"] == "" && signature != "" {
		params["mac"] = signature
	}
	return params, nil
}

// VerifyCallback implements Gateway. A "data" param selects the server
// callback form; otherwise the redirect checksum form is expected.
func (z *ZaloPay) VerifyCallback(params map[string]string) CanonicalResult {
	if data, ok := params["data"]; ok {
		return z.verifyServerCallback(data, params["mac"])
	}
	return z.verifyRedirect(params)
}

func (z *ZaloPay) verifyServerCallback(data, mac string) CanonicalResult {
	if !signatureMatches(hmacSHA256Hex(z.config.Key2, data), mac) {
		return invalid("mac mismatch")
	}

	var doc zaloPayCallbackData
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return invalid("malformed data")
	}
	amount, err := decimal.NewFromString(doc.Amount.String())
	if err != nil || doc.AppTransID == "" {
		return invalid("missing required fields")
	}

	// ZaloPay only calls back for completed payments
	return CanonicalResult{
		Valid:         true,
		TransactionID: doc.AppTransID,
		ProviderRef:   doc.ZpTransID.String(),
		Amount:        amount,
		Status:        StatusSuccess,
	}
}

func (z *ZaloPay) verifyRedirect(params map[string]string) CanonicalResult {
	if params["apptransid"] == "" || params["amount"] == "" || params["status"] == "" {
		return invalid("missing required fields")
	}
	checksumData := strings.Join([]string{
		params["appid"], params["apptransid"], params["pmcid"], params["bankcode"],
		params["amount"], params["discountamount"], params["status"],
	}, "|")
	if !signatureMatches(hmacSHA256Hex(z.config.Key2, checksumData), params["checksum"]) {
		return invalid("checksum mismatch")
	}

	amount, err := decimal.NewFromString(params["amount"])
	if err != nil {
		return invalid("malformed amount")
	}

	status := StatusFailed
	if params["status"] == "1" {
		status = StatusSuccess
	}
	return CanonicalResult{
		Valid:         true,
		TransactionID: params["apptransid"],
		Amount:        amount,
		Status:        status,
	}
}
