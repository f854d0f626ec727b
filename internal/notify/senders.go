package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// HTTPEmailSender posts transactional email to a Brevo-compatible JSON API
type HTTPEmailSender struct {
	apiURL     string
	apiKey     string
	fromEmail  string
	fromName   string
	httpClient *http.Client
}

// NewHTTPEmailSender returns nil when the API is not configured
func NewHTTPEmailSender(apiURL, apiKey, fromEmail, fromName string, timeout time.Duration) *HTTPEmailSender {
	if apiURL == "" || apiKey == "" || fromEmail == "" {
		return nil
	}
	return &HTTPEmailSender{
		apiURL:     apiURL,
		apiKey:     apiKey,
		fromEmail:  fromEmail,
		fromName:   fromName,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sendEmailReq struct {
	Sender      map[string]string   `json:"sender"`
	To          []map[string]string `json:"to"`
	Subject     string              `json:"subject"`
	HtmlContent string              `json:"htmlContent,omitempty"`
	TextContent string              `json:"textContent,omitempty"`
}

func (s *HTTPEmailSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" || msg.Subject == "" {
		return errors.New("recipient and subject cannot be empty")
	}

	body, err := json.Marshal(sendEmailReq{
		Sender:      map[string]string{"email": s.fromEmail, "name": s.fromName},
		To:          []map[string]string{{"email": msg.To}},
		Subject:     msg.Subject,
		HtmlContent: msg.HTML,
		TextContent: msg.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errorBody map[string]any
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errorBody); decodeErr != nil {
			return fmt.Errorf("email API error: status %d", resp.StatusCode)
		}
		return fmt.Errorf("email API error: status %d, body: %v", resp.StatusCode, errorBody)
	}
	return nil
}

// TwilioSMSSender sends SMS through the Twilio REST API
type TwilioSMSSender struct {
	client     *twilio.RestClient
	fromNumber string
}

// NewTwilioSMSSender returns nil when Twilio credentials are missing
func NewTwilioSMSSender(accountSID, authToken, fromNumber string) *TwilioSMSSender {
	if accountSID == "" || authToken == "" || fromNumber == "" {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSMSSender{client: client, fromNumber: fromNumber}
}

// Send runs the blocking Twilio call on its own goroutine so ctx bounds the wait
func (s *TwilioSMSSender) Send(ctx context.Context, msg Message) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.fromNumber)
	params.SetBody(msg.Body)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.client.Api.CreateMessage(params)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to send SMS: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send SMS: %w", ctx.Err())
	}
}

// LogSender writes messages to the log instead of delivering them.
// Bodies are only logged in development because they carry OTP codes.
type LogSender struct {
	log     *zap.Logger
	devMode bool
}

func NewLogSender(log *zap.Logger, devMode bool) *LogSender {
	return &LogSender{log: log, devMode: devMode}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("channel", msg.Channel.String()),
		zap.String("to", maskDestination(msg)),
		zap.String("subject", msg.Subject),
	}
	if s.devMode {
		fields = append(fields, zap.String("body", msg.Body))
	}
	s.log.Info("notification (not delivered)", fields...)
	return nil
}
