// Package notify доставляет события об изменениях купонов внешнему приёмнику.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Типы событий, публикуемых сервисом.
const (
	EventVoucherMaterialized = "voucher.materialized"
	EventVoucherRedeemed     = "voucher.redeemed"
)

// Event описывает одно изменение, о котором уведомляется приёмник.
// Доставка нужна только для живости дашбордов: потеря события не
// влияет на корректность данных.
type Event struct {
	Type       string    `json:"type"`
	BusinessID string    `json:"business_id"`
	VoucherID  string    `json:"voucher_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Client инкапсулирует HTTP-доставку событий с повторами.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент доставки событий по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// Publish отправляет событие приёмнику. Ошибка доставки не фатальна
// для вызывающего кода и должна лишь логироваться.
func (c *Client) Publish(ctx context.Context, e Event) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
