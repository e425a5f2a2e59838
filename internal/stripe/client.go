package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
)

// Client wraps Stripe API calls using the REST API directly (no SDK dependency)
type Client struct {
	secretKey  string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new Stripe API client
func NewClient(secretKey string) *Client {
	return &Client{
		secretKey:  secretKey,
		httpClient: &http.Client{},
		baseURL:    "https://api.stripe.com/v1",
	}
}

// PaymentIntent is the subset of the payment intent object the service
// needs.
type PaymentIntent struct {
	ID       string
	Status   string
	ChargeID string
}

// Subscription is the subset of the subscription object the service
// needs.
type Subscription struct {
	ID     string
	Status string
}

// Cents converts a decimal amount to the integer cents Stripe expects.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// CreatePaymentIntent charges a payment method immediately and confirms
// the intent in a single call.
func (c *Client) CreatePaymentIntent(amount float64, currency, customerID, paymentMethodID, description string, metadata map[string]string) (*PaymentIntent, error) {
	data := url.Values{}
	data.Set("amount", fmt.Sprintf("%d", Cents(amount)))
	data.Set("currency", strings.ToLower(currency))
	data.Set("customer", customerID)
	data.Set("payment_method", paymentMethodID)
	data.Set("confirm", "true")
	data.Set("automatic_payment_methods[enabled]", "true")
	data.Set("automatic_payment_methods[allow_redirects]", "never")
	if description != "" {
		data.Set("description", description)
	}
	for k, v := range metadata {
		data.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	resp, err := c.post("/payment_intents", data)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	intent := &PaymentIntent{}
	intent.ID, _ = resp["id"].(string)
	intent.Status, _ = resp["status"].(string)
	intent.ChargeID, _ = resp["latest_charge"].(string)
	if intent.ID == "" {
		return nil, fmt.Errorf("create payment intent: missing intent ID in response")
	}

	return intent, nil
}

// CreateOrGetCustomer finds an existing customer by email or creates a
// new one.
func (c *Client) CreateOrGetCustomer(email, name string, metadata map[string]string) (string, error) {
	resp, err := c.get("/customers?limit=1&email=" + url.QueryEscape(email))
	if err != nil {
		return "", fmt.Errorf("lookup customer: %w", err)
	}
	if dataArr, ok := resp["data"].([]interface{}); ok && len(dataArr) > 0 {
		if existing, ok := dataArr[0].(map[string]interface{}); ok {
			if id, ok := existing["id"].(string); ok && id != "" {
				return id, nil
			}
		}
	}

	data := url.Values{}
	data.Set("email", email)
	if name != "" {
		data.Set("name", name)
	}
	for k, v := range metadata {
		data.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	resp, err = c.post("/customers", data)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}

	customerID, _ := resp["id"].(string)
	if customerID == "" {
		return "", fmt.Errorf("create customer: missing customer ID in response")
	}
	return customerID, nil
}

// AttachPaymentMethod attaches a payment method to a customer and makes
// it the default for invoices.
func (c *Client) AttachPaymentMethod(paymentMethodID, customerID string) error {
	data := url.Values{}
	data.Set("customer", customerID)

	if _, err := c.post("/payment_methods/"+paymentMethodID+"/attach", data); err != nil {
		return fmt.Errorf("attach payment method: %w", err)
	}

	update := url.Values{}
	update.Set("invoice_settings[default_payment_method]", paymentMethodID)
	if _, err := c.post("/customers/"+customerID, update); err != nil {
		return fmt.Errorf("set default payment method: %w", err)
	}
	return nil
}

// CreateProduct creates a new Stripe product
func (c *Client) CreateProduct(name, description string) (string, error) {
	data := url.Values{}
	data.Set("name", name)
	if description != "" {
		data.Set("description", description)
	}

	resp, err := c.post("/products", data)
	if err != nil {
		return "", fmt.Errorf("create product: %w", err)
	}

	productID, _ := resp["id"].(string)
	return productID, nil
}

// CreatePrice creates a recurring Stripe price for a product. The
// interval unit and count come from the donation schedule.
func (c *Client) CreatePrice(productID string, amount float64, currency, interval string, intervalCount int) (string, error) {
	data := url.Values{}
	data.Set("product", productID)
	data.Set("unit_amount", fmt.Sprintf("%d", Cents(amount)))
	data.Set("currency", strings.ToLower(currency))
	data.Set("recurring[interval]", interval)
	data.Set("recurring[interval_count]", fmt.Sprintf("%d", intervalCount))

	resp, err := c.post("/prices", data)
	if err != nil {
		return "", fmt.Errorf("create price: %w", err)
	}

	priceID, _ := resp["id"].(string)
	return priceID, nil
}

// CreateSubscription subscribes a customer to a recurring price.
func (c *Client) CreateSubscription(customerID, priceID string, metadata map[string]string) (*Subscription, error) {
	data := url.Values{}
	data.Set("customer", customerID)
	data.Set("items[0][price]", priceID)
	data.Set("payment_behavior", "error_if_incomplete")
	for k, v := range metadata {
		data.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	resp, err := c.post("/subscriptions", data)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	sub := &Subscription{}
	sub.ID, _ = resp["id"].(string)
	sub.Status, _ = resp["status"].(string)
	if sub.ID == "" {
		return nil, fmt.Errorf("create subscription: missing subscription ID in response")
	}

	return sub, nil
}

// UpdateSubscriptionPrice migrates a subscription to a new price, used
// when a donor changes the amount of a recurring gift.
func (c *Client) UpdateSubscriptionPrice(subscriptionID, newPriceID string) error {
	// First, get the subscription to find the current item ID
	sub, err := c.get("/subscriptions/" + subscriptionID)
	if err != nil {
		return fmt.Errorf("get subscription for migration: %w", err)
	}

	// Extract the first subscription item ID
	items, ok := sub["items"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected subscription items format")
	}
	dataArr, ok := items["data"].([]interface{})
	if !ok || len(dataArr) == 0 {
		return fmt.Errorf("no subscription items found")
	}
	firstItem, ok := dataArr[0].(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected subscription item format")
	}
	itemID, ok := firstItem["id"].(string)
	if !ok {
		return fmt.Errorf("missing subscription item ID")
	}

	// Update the subscription with the new price
	data := url.Values{}
	data.Set("items[0][id]", itemID)
	data.Set("items[0][price]", newPriceID)
	data.Set("proration_behavior", "none")

	_, err = c.post("/subscriptions/"+subscriptionID, data)
	if err != nil {
		return fmt.Errorf("update subscription price: %w", err)
	}

	log.Printf("[stripe] Migrated subscription %s to price %s", subscriptionID, newPriceID)
	return nil
}

// CancelSubscription cancels a Stripe subscription
func (c *Client) CancelSubscription(subscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		data := url.Values{}
		data.Set("cancel_at_period_end", "true")
		_, err := c.post("/subscriptions/"+subscriptionID, data)
		return err
	}

	_, err := c.delete("/subscriptions/" + subscriptionID)
	return err
}

// CreateRefund refunds a charge. A zero amount refunds the full charge.
func (c *Client) CreateRefund(chargeID string, amount float64) (string, error) {
	data := url.Values{}
	data.Set("charge", chargeID)
	if amount > 0 {
		data.Set("amount", fmt.Sprintf("%d", Cents(amount)))
	}

	resp, err := c.post("/refunds", data)
	if err != nil {
		return "", fmt.Errorf("create refund: %w", err)
	}

	refundID, _ := resp["id"].(string)
	return refundID, nil
}

// HTTP helpers

func (c *Client) post(path string, data url.Values) (map[string]interface{}, error) {
	req, err := http.NewRequest("POST", c.baseURL+path, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.doRequest(req)
}

func (c *Client) get(path string) (map[string]interface{}, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")

	return c.doRequest(req)
}

func (c *Client) delete(path string) (map[string]interface{}, error) {
	req, err := http.NewRequest("DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")

	return c.doRequest(req)
}

func (c *Client) doRequest(req *http.Request) (map[string]interface{}, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read stripe response: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("parse stripe response: %w", err)
	}

	if resp.StatusCode >= 400 {
		errObj, _ := result["error"].(map[string]interface{})
		msg := "unknown error"
		if errObj != nil {
			if m, ok := errObj["message"].(string); ok {
				msg = m
			}
		}
		return nil, fmt.Errorf("stripe API error (%d): %s", resp.StatusCode, msg)
	}

	return result, nil
}
