package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/booking-settlement/internal/config"
)

const momoDefaultEndpoint = "https://test-payment.momo.vn/v2/gateway/api/create"

// MoMo integrates the MoMo wallet (captureWallet flow)
type MoMo struct {
	config config.MoMoConfig
	client *http.Client
	logger *logrus.Logger
}

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	AccessKey   string `json:"accessKey"`
	RequestID   string `json:"requestId"`
	Amount      string `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IpnURL      string `json:"ipnUrl"`
	ExtraData   string `json:"extraData"`
	RequestType string `json:"requestType"`
	Signature   string `json:"signature"`
	Lang        string `json:"lang"`
}

type momoCreateResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
}

// momoNotificationFields are signed in this order, after accessKey
var momoNotificationFields = []string{
	"amount", "extraData", "message", "orderId", "orderInfo", "orderType",
	"partnerCode", "payType", "requestId", "responseTime", "resultCode", "transId",
}

// NewMoMo creates the MoMo adapter
func NewMoMo(cfg config.MoMoConfig, client *http.Client, logger *logrus.Logger) *MoMo {
	return &MoMo{config: cfg, client: client, logger: logger}
}

// Name implements Gateway
func (m *MoMo) Name() string { return "momo" }

func (m *MoMo) endpoint() string {
	if m.config.CheckoutURL != "" {
		return m.config.CheckoutURL
	}
	return momoDefaultEndpoint
}

// rawSignature builds "accessKey=..&k=v&..." over the given fields
func (m *MoMo) rawSignature(fields []string, params map[string]string) string {
	var b strings.Builder
	b.WriteString("accessKey=")
	b.WriteString(m.config.AccessKey)
	for _, f := range fields {
		b.WriteString("&")
		b.WriteString(f)
		b.WriteString("=")
		b.WriteString(params[f])
	}
	return b.String()
}

// CheckoutURL creates a MoMo payment and returns its payUrl
func (m *MoMo) CheckoutURL(ctx context.Context, req PaymentRequest) (string, error) {
	amount, err := wholeUnits(m.Name(), req.Amount)
	if err != nil {
		return "", err
	}

	create := momoCreateRequest{
		PartnerCode: m.config.PartnerCode,
		AccessKey:   m.config.AccessKey,
		RequestID:   req.Reference,
		Amount:      amount,
		OrderID:     req.Reference,
		OrderInfo:   req.Description,
		RedirectURL: m.config.ReturnURL,
		IpnURL:      m.config.WebhookURL,
		ExtraData:   "",
		RequestType: "captureWallet",
		Lang:        "en",
	}
	create.Signature = hmacSHA256Hex(m.config.SecretKey, m.rawSignature(
		[]string{"amount", "extraData", "ipnUrl", "orderId", "orderInfo", "partnerCode", "redirectUrl", "requestId", "requestType"},
		map[string]string{
			"amount":      create.Amount,
			"extraData":   create.ExtraData,
			"ipnUrl":      create.IpnURL,
			"orderId":     create.OrderID,
			"orderInfo":   create.OrderInfo,
			"partnerCode": create.PartnerCode,
			"redirectUrl": create.RedirectURL,
			"requestId":   create.RequestID,
			"requestType": create.RequestType,
		},
	))

	jsonBody, err := json.Marshal(create)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint(), bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	m.logger.WithFields(logrus.Fields{
		"order_id": req.Reference,
		"amount":   amount,
	}).Info("Initiating MoMo payment")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var created momoCreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if created.ResultCode != 0 || created.PayURL == "" {
		return "", fmt.Errorf("payment initiation failed: %d %s", created.ResultCode, created.Message)
	}
	return created.PayURL, nil
}

// WebhookParams implements Gateway. The MoMo IPN is a JSON body carrying its own signature.
func (m *MoMo) WebhookParams(raw []byte, signature string) (map[string]string, error) {
	params, err := flattenJSON(raw)
	if err != nil {
		return nil, err
	}
	if params["signature"] == "" && signature != "" {
		params["signature"] = signature
	}
	return params, nil
}

// VerifyCallback implements Gateway. The redirect and the IPN are signed the same way.
func (m *MoMo) VerifyCallback(params map[string]string) CanonicalResult {
	if params["orderId"] == "" || params["amount"] == "" || params["resultCode"] == "" {
		return invalid("missing required fields")
	}
	if params["partnerCode"] != m.config.PartnerCode {
		return invalid("partner code mismatch")
	}

	expected := hmacSHA256Hex(m.config.SecretKey, m.rawSignature(momoNotificationFields, params))
	if !signatureMatches(expected, params["signature"]) {
		return invalid("signature mismatch")
	}

	amount, err := decimal.NewFromString(params["amount"])
	if err != nil {
		return invalid("malformed amount")
	}

	return CanonicalResult{
		Valid:         true,
		TransactionID: params["orderId"],
		ProviderRef:   params["transId"],
		Amount:        amount,
		Status:        momoStatus(params["resultCode"]),
		Message:       params["message"],
	}
}

// momoStatus maps MoMo result codes; 1000, 7000, 7002 and 9000 are in-progress states
func momoStatus(resultCode string) PaymentStatus {
	switch resultCode {
	case "0":
		return StatusSuccess
	case "1000", "7000", "7002", "9000":
		return StatusPending
	}
	return StatusFailed
}
