// Package gateway adapts payment service providers to one canonical result.
// Adapters build checkout redirects and verify provider signatures; they never
// touch storage.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/booking-settlement/internal/config"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// PaymentStatus is the provider-neutral outcome of a payment
type PaymentStatus string

const (
	StatusSuccess PaymentStatus = "SUCCESS"
	StatusFailed  PaymentStatus = "FAILED"
	StatusPending PaymentStatus = "PENDING"
)

// PaymentRequest is what an adapter needs to build a checkout
type PaymentRequest struct {
	Reference   string // merchant reference echoed back in notifications
	BookingID   uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Description string
	ClientIP    string
	ExpiresAt   time.Time
}

// CanonicalResult is a verified provider notification
type CanonicalResult struct {
	Valid         bool
	TransactionID string // the merchant reference from PaymentRequest
	ProviderRef   string // the provider's own transaction id, informational
	Amount        decimal.Decimal
	Status        PaymentStatus
	Message       string
}

func invalid(message string) CanonicalResult {
	return CanonicalResult{Valid: false, Message: message}
}

// Gateway is one payment service provider
type Gateway interface {
	// Name is the {provider} path tag
	Name() string
	// CheckoutURL returns where the customer is redirected to pay
	CheckoutURL(ctx context.Context, req PaymentRequest) (string, error)
	// VerifyCallback checks the signature of a notification and normalizes it
	VerifyCallback(params map[string]string) CanonicalResult
	// WebhookParams turns a server-to-server notification body into params
	// for VerifyCallback. signature is the value of the signature header, if any.
	WebhookParams(raw []byte, signature string) (map[string]string, error)
}

// Registry selects adapters by provider tag
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry creates a registry of the given adapters
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// NewRegistryFromConfig registers every provider that has credentials
func NewRegistryFromConfig(cfg config.PaymentConfig, client *http.Client, logger *logrus.Logger) *Registry {
	var gateways []Gateway
	if cfg.Payable.MerchantKey != "" && cfg.Payable.MerchantToken != "" {
		gateways = append(gateways, NewPayable(cfg.Payable, client, logger))
	}
	if cfg.MoMo.PartnerCode != "" && cfg.MoMo.SecretKey != "" {
		gateways = append(gateways, NewMoMo(cfg.MoMo, client, logger))
	}
	if cfg.VNPay.TmnCode != "" && cfg.VNPay.HashSecret != "" {
		gateways = append(gateways, NewVNPay(cfg.VNPay))
	}
	if cfg.ZaloPay.AppID != "" && cfg.ZaloPay.Key1 != "" && cfg.ZaloPay.Key2 != "" {
		gateways = append(gateways, NewZaloPay(cfg.ZaloPay, client, logger))
	}
	return NewRegistry(gateways...)
}

// Get returns the adapter for provider
func (r *Registry) Get(provider string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(provider)]
	if !ok {
		return nil, models.ErrUnknownProvider
	}
	return g, nil
}

// Names lists the registered provider tags in order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// SIGNATURE HELPERS
// ============================================================================

func hmacHex(newHash func() hash.Hash, key, data string) string {
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacSHA256Hex(key, data string) string {
	return hmacHex(sha256.New, key, data)
}

func hmacSHA512Hex(key, data string) string {
	return hmacHex(sha512.New, key, data)
}

// signatureMatches compares hex digests in constant time, ignoring case
func signatureMatches(expected, actual string) bool {
	if actual == "" {
		return false
	}
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(actual)))
}

// flattenJSON decodes a JSON object into string params. Numbers keep their
// literal form so amounts are not rounded through float64.
func flattenJSON(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid notification body: %w", err)
	}
	params := make(map[string]string, len(body))
	for k, v := range body {
		switch val := v.(type) {
		case nil:
			params[k] = ""
		case string:
			params[k] = val
		case json.Number:
			params[k] = val.String()
		case bool, map[string]interface{}, []interface{}:
			encoded, _ := json.Marshal(val)
			params[k] = string(encoded)
		default:
			params[k] = fmt.Sprint(val)
		}
	}
	return params, nil
}

// wholeUnits formats amounts for providers that only accept integer amounts
func wholeUnits(provider string, amount decimal.Decimal) (string, error) {
	if !amount.Equal(amount.Truncate(0)) {
		return "", models.NewValidationError("amount", fmt.Sprintf("%s only accepts whole currency units", provider))
	}
	return amount.StringFixed(0), nil
}
