// Package provider holds the HTTP clients for the external top-up provider
// and the exchange account used as liquidity oracle.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/config"
	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/metrics"
)

// maxReplyBytes caps how much of a reply body is read
const maxReplyBytes = 1 << 20

// ProviderError is an error message returned by the provider itself.
// Error returns the message verbatim so it can be shown to the user.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// SMMChannel fulfils orders through an SMM-panel style API
// (form POST with key, action=add, service, link, quantity).
type SMMChannel struct {
	url      string
	key      string
	services map[string]map[string]int
	client   *http.Client
	logger   *zap.Logger
}

var _ domain.FulfillmentChannel = (*SMMChannel)(nil)

// NewSMMChannel creates a channel from provider configuration
func NewSMMChannel(cfg config.ProviderConfig, logger *zap.Logger) *SMMChannel {
	services := make(map[string]map[string]int, len(cfg.Services))
	for itemType, byCost := range cfg.Services {
		services[strings.ToLower(itemType)] = byCost
	}
	return &SMMChannel{
		url:      cfg.URL,
		key:      cfg.Key,
		services: services,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

// serviceID looks up the provider service for an item type and the integer
// part of a cost
func (c *SMMChannel) serviceID(itemType, cost string) (int, bool) {
	id, ok := c.services[strings.ToLower(itemType)][cost]
	return id, ok
}

// Fulfill places one provider order and returns the provider's order id
func (c *SMMChannel) Fulfill(ctx context.Context, req domain.FulfillmentRequest) (string, error) {
	costKey := strconv.FormatInt(req.Cost.IntPart(), 10)
	serviceID, ok := c.serviceID(req.ItemType, costKey)
	if !ok {
		return "", fmt.Errorf("no service configured for %s cost %s", req.ItemType, costKey)
	}

	quantity := req.Quantity
	if quantity < 1 {
		quantity = 1
	}
	form := url.Values{
		"key":      {c.key},
		"action":   {"add"},
		"service":  {strconv.Itoa(serviceID)},
		"link":     {req.ItemRef},
		"quantity": {strconv.Itoa(quantity)},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.ExternalCallDuration.WithLabelValues("provider", "error").Observe(time.Since(start).Seconds())
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.ExternalCallDuration.WithLabelValues("provider", strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read provider reply: %w", err)
	}

	ref, err := parseOrderReply(body)
	var provErr *ProviderError
	switch {
	case errors.As(err, &provErr):
		return "", err
	case resp.StatusCode/100 != 2:
		return "", fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	case err != nil:
		return "", err
	}

	c.logger.Debug("provider order placed",
		zap.String("order_id", req.OrderID),
		zap.Int("service", serviceID),
		zap.String("reference", ref),
	)
	return ref, nil
}

// parseOrderReply maps {"order": id} to id and {"error": msg} to a ProviderError
func parseOrderReply(body []byte) (string, error) {
	var reply map[string]json.RawMessage
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", fmt.Errorf("malformed provider reply: %s", truncate(body))
	}

	if raw, ok := reply["order"]; ok {
		ref := scalar(raw)
		if ref == "" {
			return "", fmt.Errorf("malformed provider reply: %s", truncate(body))
		}
		return ref, nil
	}
	if raw, ok := reply["error"]; ok {
		return "", &ProviderError{Message: scalar(raw)}
	}
	return "", fmt.Errorf("unknown provider reply: %s", truncate(body))
}

// scalar renders a JSON string or number without quotes
func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
