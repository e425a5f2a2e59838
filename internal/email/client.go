// Package email sends transactional mail through the Postmark REST API.
// When no server token is configured the client logs messages instead
// of sending them, which keeps local development offline-friendly.
package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

// Client wraps Postmark API calls using the REST API directly (no SDK dependency)
type Client struct {
	serverToken string
	fromEmail   string
	httpClient  *http.Client
	baseURL     string
}

// NewClient creates a new Postmark API client. An empty serverToken
// puts the client in log-only mode.
func NewClient(serverToken, fromEmail string) *Client {
	return &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		httpClient:  &http.Client{},
		baseURL:     "https://api.postmarkapp.com",
	}
}

// Message is one outbound email rendered from a named template.
type Message struct {
	To            string
	TemplateAlias string
	Model         map[string]interface{}
}

// Send delivers a templated message through Postmark.
func (c *Client) Send(msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("email: recipient is required")
	}
	if c.serverToken == "" {
		log.Printf("[email] (dry-run) template=%s to=%s", msg.TemplateAlias, msg.To)
		return nil
	}

	payload := map[string]interface{}{
		"From":          c.fromEmail,
		"To":            msg.To,
		"TemplateAlias": msg.TemplateAlias,
		"TemplateModel": msg.Model,
		"MessageStream": "outbound",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("email: encode payload: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL+"/email/withTemplate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email: postmark request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return fmt.Errorf("email: read postmark response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var result struct {
			ErrorCode int    `json:"ErrorCode"`
			Message   string `json:"Message"`
		}
		msg := "unknown error"
		if json.Unmarshal(buf.Bytes(), &result) == nil && result.Message != "" {
			msg = result.Message
		}
		return fmt.Errorf("email: postmark API error (%d): %s", resp.StatusCode, msg)
	}

	return nil
}

// Template aliases registered with the Postmark server.
const (
	TemplateDonationReceipt    = "donation-receipt"
	TemplateRecurringConfirmed = "recurring-donation-confirmed"
	TemplateRecurringFailed    = "recurring-donation-failed"
	TemplateEventRegistration  = "event-registration"
	TemplateUserInvitation     = "user-invitation"
	TemplatePasswordReset      = "password-reset"
	TemplateVerifyEmail        = "verify-email"
	TemplateRefundNotice       = "refund-notice"
)
