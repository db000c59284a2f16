// Package client предоставляет HTTP-клиент API погашения QR-кодов.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/loyalty-scan/internal/handler"
	"github.com/mmeshcher/loyalty-scan/internal/middleware"
	"github.com/mmeshcher/loyalty-scan/internal/model"
)

var (
	// ErrUnexpectedStatus возвращается для ответов, не предусмотренных API.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrUnauthorized возвращается, если сервис отклонил token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client инкапсулирует HTTP-взаимодействие с сервисом погашения.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient создаёт клиент. Пустой token означает анонимные запросы.
func NewClient(baseURL, token string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Redeem отправляет содержимое QR-кода на погашение. Отказ сервиса по доменной причине
// возвращается в RedeemResponse.Reason без ошибки; ошибка означает сбой транспорта
// или ответ, который нельзя разобрать.
func (c *Client) Redeem(ctx context.Context, payload, idempotencyKey string) (*handler.RedeemResponse, int, error) {
	body, err := json.Marshal(handler.RedeemRequest{Payload: payload, IdempotencyKey: idempotencyKey})
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/scan/redeem", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "application/json" {
		return nil, resp.StatusCode, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var result handler.RedeemResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return &result, resp.StatusCode, nil
}

// Resolve разбирает содержимое QR-кода на сервере.
func (c *Client) Resolve(ctx context.Context, payload string) (*handler.ResolveResponse, error) {
	u := c.baseURL + "/api/scan/resolve?payload=" + url.QueryEscape(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		return nil, model.ErrInvalidPayload
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var result handler.ResolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// History возвращает серверную историю сканирований. Требует token.
func (c *Client) History(ctx context.Context, limit int) ([]model.RecentScanRecord, error) {
	u := c.baseURL + "/api/scan/history"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var recs []model.RecentScanRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return recs, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: middleware.AuthCookieName, Value: c.token})
	}
}
