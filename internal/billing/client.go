// Package billing реализует HTTP-клиент эндпоинта проверки чеков бэкенда.
// Бэкенд сам обращается к серверному API магазина, для клиента чек непрозрачен.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable означает, что бэкенд не дал определённого ответа:
// сетевая ошибка, таймаут, 5xx, 429 или нераспознанное тело.
var ErrUnavailable = errors.New("billing backend unavailable")

const verifyPath = "/billing/verify"

// Client: клиент эндпоинта проверки чеков.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт клиент с обязательным таймаутом на запрос.
func NewClient(apiURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, &buf)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// VerifyReceipt отправляет чек на проверку.
//
// Определённый отказ возвращается как Verification с Valid=false и Reason,
// без ошибки. Любая ошибка оборачивает ErrUnavailable.
func (c *Client) VerifyReceipt(ctx context.Context, receipt, productID string) (*Verification, error) {
	const op = "billing.VerifyReceipt"

	req, err := c.newRequest(ctx, http.MethodPost, verifyPath, VerifyRequest{
		Receipt:   receipt,
		ProductID: productID,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s: %w: unexpected status %s", op, ErrUnavailable, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	var out VerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%s: %w: decode response: %w", op, ErrUnavailable, err)
	}

	if resp.StatusCode >= http.StatusBadRequest && (out.Valid || out.Reason == "") {
		return nil, fmt.Errorf("%s: %w: unexpected status %s", op, ErrUnavailable, resp.Status)
	}

	v := &Verification{VerifyResponse: out}
	if date := resp.Header.Get("Date"); date != "" {
		if t, err := http.ParseTime(date); err == nil {
			v.ServerTime = t
		}
	}
	return v, nil
}
