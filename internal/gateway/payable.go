package gateway

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/booking-settlement/internal/config"
)

// PayableEnvironmentURLs maps environment names to their IPG endpoint URLs
var PayableEnvironmentURLs = map[string]string{
	"dev":        "https://payable-ipg-dev.web.app/ipg/dev",
	"sandbox":    "https://sandboxipgpayment.payable.lk/ipg/sandbox",
	"production": "https://ipgpayment.payable.lk/ipg/pro",
}

// Payable integrates PAYable IPG
type Payable struct {
	config config.PayableConfig
	client *http.Client
	logger *logrus.Logger
}

// payableCheckoutRequest is the request sent to PAYable IPG.
// merchantToken is never sent; it only feeds the checkValue.
type payableCheckoutRequest struct {
	MerchantKey string `json:"merchantKey"`

	ReturnURL  string `json:"returnUrl"`
	WebhookURL string `json:"webhookUrl,omitempty"`

	PaymentType  int    `json:"paymentType"` // 1 = one-time
	InvoiceID    string `json:"invoiceId"`
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`

	OrderDescription string `json:"orderDescription,omitempty"`

	// Required by PAYable even for anonymous checkouts
	CustomerFirstName         string `json:"customerFirstName"`
	CustomerLastName          string `json:"customerLastName"`
	CustomerEmail             string `json:"customerEmail"`
	CustomerMobilePhone       string `json:"customerMobilePhone"`
	BillingAddressStreet      string `json:"billingAddressStreet"`
	BillingAddressCity        string `json:"billingAddressCity"`
	BillingAddressCountry     string `json:"billingAddressCountry"`
	BillingAddressPostcodeZip string `json:"billingAddressPostcodeZip"`

	CheckValue string `json:"checkValue"`

	IsMobilePayment    int    `json:"isMobilePayment"`
	IntegrationType    string `json:"integrationType"` // Max 20 chars
	IntegrationVersion string `json:"integrationVersion"`
}

// payableCheckoutResponse is the response from PAYable IPG
type payableCheckoutResponse struct {
	Status      string `json:"status"`
	UID         string `json:"uid"`
	PaymentPage string `json:"paymentPage"`
	Message     string `json:"message,omitempty"`
}

// NewPayable creates the PAYable adapter
func NewPayable(cfg config.PayableConfig, client *http.Client, logger *logrus.Logger) *Payable {
	return &Payable{config: cfg, client: client, logger: logger}
}

// Name implements Gateway
func (p *Payable) Name() string { return "payable" }

func (p *Payable) endpoint() string {
	if p.config.CheckoutURL != "" {
		return p.config.CheckoutURL
	}
	if url, ok := PayableEnvironmentURLs[p.config.Environment]; ok {
		return url
	}
	return PayableEnvironmentURLs["sandbox"]
}

// tokenHash is SHA512(merchantToken) as upper hex
func (p *Payable) tokenHash() string {
	sum := sha512.Sum512([]byte(p.config.MerchantToken))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func sha512UpperHex(data string) string {
	sum := sha512.Sum512([]byte(data))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// checkoutCheckValue signs a checkout request:
// SHA512("merchantKey|invoiceId|amount|currencyCode|SHA512(token)")
func (p *Payable) checkoutCheckValue(invoiceID, amount, currency string) string {
	return sha512UpperHex(strings.Join([]string{p.config.MerchantKey, invoiceID, amount, currency, p.tokenHash()}, "|"))
}

// notificationCheckValue signs a status notification:
// SHA512("merchantKey|invoiceId|amount|currencyCode|statusCode|SHA512(token)")
func (p *Payable) notificationCheckValue(invoiceID, amount, currency, statusCode string) string {
	return sha512UpperHex(strings.Join([]string{p.config.MerchantKey, invoiceID, amount, currency, statusCode, p.tokenHash()}, "|"))
}

// CheckoutURL registers the invoice with PAYable and returns its payment page
func (p *Payable) CheckoutURL(ctx context.Context, req PaymentRequest) (string, error) {
	amount := req.Amount.StringFixed(2)
	request := &payableCheckoutRequest{
		MerchantKey:               p.config.MerchantKey,
		ReturnURL:                 p.config.ReturnURL,
		WebhookURL:                p.config.WebhookURL,
		PaymentType:               1,
		InvoiceID:                 req.Reference,
		Amount:                    amount,
		CurrencyCode:              req.Currency,
		OrderDescription:          req.Description,
		CustomerFirstName:         "Customer",
		CustomerLastName:          ".",
		CustomerEmail:             "customer@smarttransit.lk",
		CustomerMobilePhone:       "0770000000",
		BillingAddressStreet:      "Sri Lanka",
		BillingAddressCity:        "Colombo",
		BillingAddressCountry:     "LK",
		BillingAddressPostcodeZip: "00000",
		CheckValue:                p.checkoutCheckValue(req.Reference, amount, req.Currency),
		IsMobilePayment:           0,
		IntegrationType:           "SmartTransit",
		IntegrationVersion:        "1.0.0",
	}

	jsonBody, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	p.logger.WithFields(logrus.Fields{
		"invoice_id": req.Reference,
		"amount":     amount,
		"currency":   req.Currency,
	}).Info("Initiating PAYable payment")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment gateway returned status %d", resp.StatusCode)
	}

	var checkout payableCheckoutResponse
	if err := json.Unmarshal(body, &checkout); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	// PAYable answers "PENDING" when the page is ready, "success" on older endpoints
	if checkout.Status != "success" && checkout.Status != "PENDING" {
		return "", fmt.Errorf("payment initiation failed: %s", checkout.Message)
	}
	if checkout.PaymentPage == "" {
		return "", fmt.Errorf("payment initiation failed: no payment page URL returned")
	}
	return checkout.PaymentPage, nil
}

// WebhookParams implements Gateway. PAYable posts a JSON body; the check
// value may arrive in the body or in the signature header.
func (p *Payable) WebhookParams(raw []byte, signature string) (map[string]string, error) {
	params, err := flattenJSON(raw)
	if err != nil {
		return nil, err
	}
	if params["checkValue"] == "" && signature != "" {
		params["checkValue"] = signature
	}
	return params, nil
}

// VerifyCallback implements Gateway
func (p *Payable) VerifyCallback(params map[string]string) CanonicalResult {
	invoiceID := params["invoiceId"]
	amountStr := params["amount"]
	currency := params["currencyCode"]
	statusCode := params["statusCode"]
	if invoiceID == "" || amountStr == "" || statusCode == "" {
		return invalid("missing required fields")
	}

	expected := p.notificationCheckValue(invoiceID, amountStr, currency, statusCode)
	if !signatureMatches(expected, params["checkValue"]) {
		return invalid("checkValue mismatch")
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return invalid("malformed amount")
	}

	status := StatusFailed
	switch strings.ToUpper(statusCode) {
	case "SUCCESS":
		status = StatusSuccess
	case "PENDING":
		status = StatusPending
	}

	return CanonicalResult{
		Valid:         true,
		TransactionID: invoiceID,
		ProviderRef:   params["uid"],
		Amount:        amount,
		Status:        status,
		Message:       params["statusMessage"],
	}
}
