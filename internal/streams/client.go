package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"chaintv/internal/logging"
)

// PaymentReport is the entitlement record sent after a confirmed payment.
type PaymentReport struct {
	PlaybackID           string          `json:"playbackId"`
	WalletAddress        string          `json:"walletAddress"`
	TransactionSignature string          `json:"transactionSignature"`
	SOLAmount            decimal.Decimal `json:"solAmount"`
	USDAmount            decimal.Decimal `json:"usdAmount"`
}

// Client talks to the stream backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client rooted at baseURL (for example
// "https://chaintv.onrender.com/api").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type getStreamResponse struct {
	Stream *wireStream `json:"stream"`
}

// GetStream fetches a stream descriptor by playback id.
func (c *Client) GetStream(ctx context.Context, playbackID string) (*Descriptor, error) {
	endpoint := c.baseURL + "/streams/getstream?playbackId=" + url.QueryEscape(playbackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, playbackID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: backend returned status %d: %s", ErrNetwork, resp.StatusCode, string(body))
	}

	var out getStreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if out.Stream == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, playbackID)
	}
	if out.Stream.PlaybackID == "" {
		out.Stream.PlaybackID = playbackID
	}
	return out.Stream.toDescriptor()
}

// RecordPayment reports a confirmed payment so the backend adds the payer to
// the stream's paying users. The backend treats repeated reports with the
// same signature as one.
func (c *Client) RecordPayment(ctx context.Context, report PaymentReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/streams/addpayinguser", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: backend returned status %d: %s", ErrNetwork, resp.StatusCode, string(msg))
	}

	logging.Backend.Info().
		Str("playback_id", report.PlaybackID).
		Str("signature", report.TransactionSignature).
		Msg("payment recorded")
	return nil
}

// IsTransient reports whether err is worth retrying by the user.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}
