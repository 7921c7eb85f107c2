package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"podmanager/internal/clock"
	"podmanager/internal/models"
)

const (
	StripeSignatureHeader     = "Stripe-Signature"
	DefaultSignatureTolerance = 5 * time.Minute
)

// StripeWebhook verifies and decodes Stripe webhook deliveries.
type StripeWebhook struct {
	secret    string
	tolerance time.Duration
	clock     clock.Clock
}

func NewStripeWebhook(secret string, clk clock.Clock) *StripeWebhook {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &StripeWebhook{
		secret:    strings.TrimSpace(secret),
		tolerance: DefaultSignatureTolerance,
		clock:     clk,
	}
}

// Verify checks the Stripe-Signature header: an HMAC-SHA256 of "t.payload"
// keyed with the endpoint secret, signed within the tolerance window.
func (w *StripeWebhook) Verify(payload []byte, header string) error {
	if w.secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(header)
	if err != nil {
		return ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := w.clock.Now().Sub(time.Unix(signedAt, 0))
	if age > w.tolerance || age < -w.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := signStripePayload(w.secret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func signStripePayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Parse turns a verified delivery into a PaymentEvent. Event types other
// than completed checkouts and succeeded payment intents return
// ErrEventIgnored.
func (w *StripeWebhook) Parse(payload []byte) (*models.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return parseCheckoutSession(event)
	case "payment_intent.succeeded":
		return parsePaymentIntent(event)
	default:
		return nil, fmt.Errorf("%w: %s", ErrEventIgnored, event.Type)
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	AmountTotal       int64          `json:"amount_total"`
	Currency          string         `json:"currency"`
	ClientReferenceID string         `json:"client_reference_id"`
	PaymentStatus     string         `json:"payment_status"`
	Created           int64          `json:"created"`
	Metadata          map[string]any `json:"metadata"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

func parseCheckoutSession(event stripeEvent) (*models.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, ErrInvalidPayload
	}
	if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
		return nil, fmt.Errorf("%w: checkout payment status %s", ErrEventIgnored, session.PaymentStatus)
	}

	userID := readMetadataValue(session.Metadata, "user_id")
	if userID == "" {
		userID = strings.TrimSpace(session.ClientReferenceID)
	}

	return newPaymentEvent(event, userID, session.Metadata, session.AmountTotal, session.Currency, session.Created)
}

func parsePaymentIntent(event stripeEvent) (*models.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, ErrInvalidPayload
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}

	userID := readMetadataValue(intent.Metadata, "user_id")
	return newPaymentEvent(event, userID, intent.Metadata, amount, intent.Currency, intent.Created)
}

func newPaymentEvent(event stripeEvent, userID string, metadata map[string]any, amountCents int64, currency string, created int64) (*models.PaymentEvent, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	var credits int64
	if raw := readMetadataValue(metadata, "credits"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: credits metadata %q", ErrInvalidPayload, raw)
		}
		credits = parsed
	}

	return &models.PaymentEvent{
		EventID:     event.ID,
		UserID:      userID,
		Plan:        readMetadataValue(metadata, "plan"),
		Credits:     credits,
		AmountCents: amountCents,
		Currency:    strings.ToUpper(strings.TrimSpace(currency)),
		OccurredAt:  eventTime(created, event.Created),
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			signatures = append(signatures, strings.TrimSpace(value))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("malformed signature header")
	}
	return timestamp, signatures, nil
}

func eventTime(primary, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
