package gateway

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smarttransit/booking-settlement/internal/config"
)

const vnpayDefaultEndpoint = "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"

// VNPay timestamps are Indochina Time
var vnpayZone = time.FixedZone("ICT", 7*60*60)

var hundred = decimal.NewFromInt(100)

// VNPay integrates the VNPay redirect gateway. Checkout URLs are signed
// locally, so no HTTP client is needed.
type VNPay struct {
	config config.VNPayConfig
	now    func() time.Time
}

// NewVNPay creates the VNPay adapter
func NewVNPay(cfg config.VNPayConfig) *VNPay {
	return &VNPay{config: cfg, now: time.Now}
}

// Name implements Gateway
func (v *VNPay) Name() string { return "vnpay" }

// signData sorts vnp_* params and URL-encodes them the way VNPay hashes them
func signData(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, val := range params {
		if !strings.HasPrefix(k, "vnp_") || k == "vnp_SecureHash" || k == "vnp_SecureHashType" || val == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(parts, "&")
}

// CheckoutURL implements Gateway. vnp_Amount is in minor units (×100).
func (v *VNPay) CheckoutURL(_ context.Context, req PaymentRequest) (string, error) {
	clientIP := req.ClientIP
	if clientIP == "" {
		clientIP = "127.0.0.1"
	}
	now := v.now().In(vnpayZone)
	expires := req.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(15 * time.Minute)
	}

	params := map[string]string{
		"vnp_Version":    "2.1.0",
		"vnp_Command":    "pay",
		"vnp_TmnCode":    v.config.TmnCode,
		"vnp_Amount":     req.Amount.Mul(hundred).StringFixed(0),
		"vnp_CurrCode":   "VND",
		"vnp_TxnRef":     req.Reference,
		"vnp_OrderInfo":  req.Description,
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  v.config.ReturnURL,
		"vnp_IpAddr":     clientIP,
		"vnp_CreateDate": now.Format("20060102150405"),
		"vnp_ExpireDate": expires.In(vnpayZone).Format("20060102150405"),
	}
	query := signData(params)

	endpoint := v.config.CheckoutURL
	if endpoint == "" {
		endpoint = vnpayDefaultEndpoint
	}
	return endpoint + "?" + query + "&vnp_SecureHash=" + hmacSHA512Hex(v.config.HashSecret, query), nil
}

// WebhookParams implements Gateway. The VNPay IPN is a GET whose query string is the payload.
func (v *VNPay) WebhookParams(raw []byte, _ string) (map[string]string, error) {
	return QueryParams(raw)
}

// VerifyCallback implements Gateway
func (v *VNPay) VerifyCallback(params map[string]string) CanonicalResult {
	if params["vnp_TxnRef"] == "" || params["vnp_Amount"] == "" {
		return invalid("missing required fields")
	}
	expected := hmacSHA512Hex(v.config.HashSecret, signData(params))
	if !signatureMatches(expected, params["vnp_SecureHash"]) {
		return invalid("secure hash mismatch")
	}

	minor, err := decimal.NewFromString(params["vnp_Amount"])
	if err != nil {
		return invalid("malformed amount")
	}

	status := StatusFailed
	if params["vnp_ResponseCode"] == "00" && params["vnp_TransactionStatus"] == "00" {
		status = StatusSuccess
	}

	return CanonicalResult{
		Valid:         true,
		TransactionID: params["vnp_TxnRef"],
		ProviderRef:   params["vnp_TransactionNo"],
		Amount:        minor.Div(hundred),
		Status:        status,
		Message:       params["vnp_ResponseCode"],
	}
}

// QueryParams parses a raw query string into single-valued params
func QueryParams(raw []byte) (map[string]string, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(string(raw), "?"))
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return params, nil
}
