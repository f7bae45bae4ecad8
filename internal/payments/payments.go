// Package payments creates hosted checkout sessions and verifies the payment
// provider's webhook events that grant purchased credits.
package payments

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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
)

const (
	// EventCheckoutCompleted is the only event type that grants credits
	EventCheckoutCompleted = "checkout.completed"

	// SignatureHeader carries "t=<unix>,v1=<hex hmac>"
	SignatureHeader = "Payment-Signature"

	defaultTolerance = 5 * time.Minute
)

var (
	// ErrInvalidSignature is returned when a webhook fails verification
	ErrInvalidSignature = errors.New("invalid payment signature")

	// ErrUnknownPackage is returned for a package id missing from the catalog
	ErrUnknownPackage = errors.New("unknown credit package")
)

// Package is a purchasable bundle of credits
type Package struct {
	ID      string
	PriceID string
	Credits int64
}

// Catalog looks packages up by id
type Catalog map[string]Package

// Lookup returns the package with id
func (c Catalog) Lookup(id string) (Package, error) {
	pkg, ok := c[id]
	if !ok {
		return Package{}, fmt.Errorf("%w: %q", ErrUnknownPackage, id)
	}
	return pkg, nil
}

// Config holds checkout client settings
type Config struct {
	BaseURL    string
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
}

// CheckoutClient talks to the payment provider's checkout API
type CheckoutClient struct {
	config  Config
	catalog Catalog
	client  *http.Client
	logger  *slog.Logger
}

// NewCheckoutClient creates a new CheckoutClient instance
func NewCheckoutClient(config Config, catalog Catalog, client *http.Client, logger *slog.Logger) *CheckoutClient {
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &CheckoutClient{
		config:  config,
		catalog: catalog,
		client:  client,
		logger:  logger,
	}
}

type checkoutRequest struct {
	PriceID           string            `json:"price_id"`
	Quantity          int               `json:"quantity"`
	SuccessURL        string            `json:"success_url"`
	CancelURL         string            `json:"cancel_url"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type checkoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckout opens a hosted checkout session for packageID and returns its URL
func (c *CheckoutClient) CreateCheckout(ctx context.Context, accountID, packageID string) (string, error) {
	pkg, err := c.catalog.Lookup(packageID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	payload, err := json.Marshal(checkoutRequest{
		PriceID:           pkg.PriceID,
		Quantity:          1,
		SuccessURL:        c.config.SuccessURL,
		CancelURL:         c.config.CancelURL,
		ClientReferenceID: accountID,
		Metadata: map[string]string{
			"account_id": accountID,
			"package_id": pkg.ID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.config.BaseURL, "/")+"/v1/checkout/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: checkout request: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read checkout response: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		c.logger.Warn("Checkout session rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("account_id", accountID),
			slog.String("package_id", packageID),
		)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: checkout status %d", domain.ErrProviderUnavailable, resp.StatusCode)
		}
		return "", fmt.Errorf("%w: checkout status %d", domain.ErrProviderRejected, resp.StatusCode)
	}

	var out checkoutResponse
	if err := json.Unmarshal(body, &out); err != nil || out.URL == "" {
		return "", fmt.Errorf("%w: malformed checkout response", domain.ErrProviderUnavailable)
	}

	c.logger.Info("Checkout session created",
		slog.String("session_id", out.ID),
		slog.String("account_id", accountID),
		slog.String("package_id", packageID),
	)
	return out.URL, nil
}

// Event is a verified payment webhook event
type Event struct {
	ID        string
	Type      string
	AccountID string
	PackageID string
	Paid      bool
}

type rawEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ClientReferenceID string            `json:"client_reference_id"`
			PaymentStatus     string            `json:"payment_status"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a webhook body. Events other than completed checkouts
// are returned with only ID and Type set.
func ParseEvent(body []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed payment event", domain.ErrInvalidInput)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: payment event without id or type", domain.ErrInvalidInput)
	}

	event := &Event{ID: raw.ID, Type: raw.Type}
	if raw.Type != EventCheckoutCompleted {
		return event, nil
	}

	obj := raw.Data.Object
	event.AccountID = obj.Metadata["account_id"]
	if event.AccountID == "" {
		event.AccountID = obj.ClientReferenceID
	}
	event.PackageID = obj.Metadata["package_id"]
	event.Paid = obj.PaymentStatus == "paid"

	if event.AccountID == "" || event.PackageID == "" {
		return nil, fmt.Errorf("%w: checkout event %s without account or package", domain.ErrInvalidInput, raw.ID)
	}
	return event, nil
}

// Verifier checks webhook signatures of the form "t=<unix>,v1=<hex>" where
// the MAC covers "<t>.<body>".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier; tolerance bounds the accepted timestamp skew
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Sign returns the header value for body at ts
func (v *Verifier) Sign(body []byte, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + v.mac(t, body)
}

// VerifySignature validates header against body
func (v *Verifier) VerifySignature(body []byte, header string) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: missing timestamp or signature", ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if skew := v.now().Sub(time.Unix(unix, 0)); skew > v.tolerance || skew < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := []byte(v.mac(ts, body))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (v *Verifier) mac(ts string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
