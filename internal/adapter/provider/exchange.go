package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simaogato/topup-engine/internal/config"
	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/metrics"
)

// ExchangeOracle reads the free balance of the reserve asset from an
// exchange account endpoint signed with HMAC-SHA256 (Binance style).
type ExchangeOracle struct {
	baseURL   string
	apiKey    string
	secretKey string
	asset     string
	client    *http.Client
	now       func() time.Time
}

var _ domain.LiquidityOracle = (*ExchangeOracle)(nil)

type accountReply struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// NewExchangeOracle creates an oracle from oracle configuration
func NewExchangeOracle(cfg config.OracleConfig) *ExchangeOracle {
	return &ExchangeOracle{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		asset:     cfg.Asset,
		client:    &http.Client{Timeout: cfg.Timeout},
		now:       time.Now,
	}
}

// Reserve returns the free balance of the reserve asset.
// An asset missing from the account counts as zero.
func (o *ExchangeOracle) Reserve(ctx context.Context) (decimal.Decimal, error) {
	query := "timestamp=" + strconv.FormatInt(o.now().UnixMilli(), 10)
	endpoint := fmt.Sprintf("%s/api/v3/account?%s&signature=%s", o.baseURL, query, o.sign(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build oracle request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", o.apiKey)

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		metrics.ExternalCallDuration.WithLabelValues("oracle", "error").Observe(time.Since(start).Seconds())
		return decimal.Zero, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.ExternalCallDuration.WithLabelValues("oracle", strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read oracle reply: %w", err)
	}

	var reply accountReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return decimal.Zero, fmt.Errorf("malformed oracle reply: %s", truncate(body))
	}
	if resp.StatusCode/100 != 2 {
		if reply.Msg != "" {
			return decimal.Zero, fmt.Errorf("oracle returned HTTP %d: %s", resp.StatusCode, reply.Msg)
		}
		return decimal.Zero, fmt.Errorf("oracle returned HTTP %d", resp.StatusCode)
	}

	for _, b := range reply.Balances {
		if b.Asset != o.asset {
			continue
		}
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid %s balance %q: %w", o.asset, b.Free, err)
		}
		return free, nil
	}
	return decimal.Zero, nil
}

func (o *ExchangeOracle) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(o.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
