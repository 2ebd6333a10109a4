package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	currencydomain "github.com/smallbiznis/coursepay/internal/currency/domain"
)

// HTTPRateSource reads rates from an open.er-api.com compatible endpoint:
// GET {baseURL}/{BASE} -> {"result":"success","base_code":"USD","rates":{...}}.
type HTTPRateSource struct {
	baseURL string
	client  *http.Client
}

type ratesResponse struct {
	Result   string                     `json:"result"`
	BaseCode string                     `json:"base_code"`
	Rates    map[string]decimal.Decimal `json:"rates"`
}

func NewHTTPRateSource(baseURL string, client *http.Client) *HTTPRateSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPRateSource{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
	}
}

func (s *HTTPRateSource) Fetch(ctx context.Context, base string) (currencydomain.RateTable, error) {
	if s.baseURL == "" {
		return currencydomain.RateTable{}, fmt.Errorf("%w: rates url not configured", currencydomain.ErrRateFetch)
	}
	base = strings.ToUpper(strings.TrimSpace(base))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+base, nil)
	if err != nil {
		return currencydomain.RateTable{}, fmt.Errorf("%w: %v", currencydomain.ErrRateFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return currencydomain.RateTable{}, fmt.Errorf("%w: %v", currencydomain.ErrRateFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return currencydomain.RateTable{}, fmt.Errorf("%w: status %d", currencydomain.ErrRateFetch, resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return currencydomain.RateTable{}, fmt.Errorf("%w: decode: %v", currencydomain.ErrRateFetch, err)
	}
	if body.Result != "" && body.Result != "success" {
		return currencydomain.RateTable{}, fmt.Errorf("%w: result %s", currencydomain.ErrRateFetch, body.Result)
	}

	rates := make(map[string]decimal.Decimal, len(body.Rates))
	for code, rate := range body.Rates {
		if !rate.IsPositive() {
			continue
		}
		rates[strings.ToUpper(code)] = rate
	}
	return currencydomain.RateTable{Base: base, Rates: rates}, nil
}
