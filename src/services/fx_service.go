package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/ionbridge/src/logger"
	"github.com/username/ionbridge/src/models"
	"github.com/username/ionbridge/src/store"
)

// rateSourceResponse is the external rate source's reply shape.
type rateSourceResponse struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Rate   decimal.Decimal `json:"rate"`
	Source string          `json:"source"`
}

type httpRateSource struct {
	baseURL    string
	httpClient http.Client
}

// NewHTTPRateSource creates the external rate lookup client.
func NewHTTPRateSource(baseURL string, timeout time.Duration) RateSource {
	return &httpRateSource{
		baseURL: baseURL,
		httpClient: http.Client{
			Timeout: timeout,
		},
	}
}

func (s *httpRateSource) FetchRate(ctx context.Context, from, to string) (decimal.Decimal, string, error) {
	reqURL := fmt.Sprintf("%s/rates?from=%s&to=%s", s.baseURL, url.QueryEscape(from), url.QueryEscape(to))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Zero, "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("rate source unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, "", fmt.Errorf("rate source returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var parsed rateSourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Zero, "", fmt.Errorf("error decoding rate source response: %w", err)
	}
	if parsed.Rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, "", fmt.Errorf("rate source returned non-positive rate %s for %s->%s", parsed.Rate, from, to)
	}
	return parsed.Rate, parsed.Source, nil
}

type fxServiceImpl struct {
	store     *store.Store
	source    RateSource
	rateCache *cache.Cache
	maxAge    time.Duration
	retries   int
}

// NewFxService wires the rate resolution chain. maxAge is the freshness
// window; it also bounds the in-process cache TTL so a cached rate can never
// outlive the window.
func NewFxService(st *store.Store, source RateSource, rateCache *cache.Cache, maxAge time.Duration, retries int) FxService {
	if retries < 1 {
		retries = 1
	}
	return &fxServiceImpl{
		store:     st,
		source:    source,
		rateCache: rateCache,
		maxAge:    maxAge,
		retries:   retries,
	}
}

func rateCacheKey(from, to string) string {
	return "fx_rate_" + from + "_" + to
}

// GetRate returns a fresh rate for the pair. Stale or missing history
// triggers an external fetch; every successful fetch appends a new fx_rates
// row, never an update.
func (s *fxServiceImpl) GetRate(ctx context.Context, from, to string) (*models.FxRate, error) {
	cacheKey := rateCacheKey(from, to)
	if cached, found := s.rateCache.Get(cacheKey); found {
		rate := cached.(*models.FxRate)
		if time.Since(rate.FetchedAt) < s.maxAge {
			logger.L.Debug("FX rate cache hit", "from", from, "to", to, "rate", rate.Rate.String())
			return rate, nil
		}
		s.rateCache.Delete(cacheKey)
	}

	latest, err := s.store.LatestFxRate(ctx, from, to)
	if err == nil && time.Since(latest.FetchedAt) < s.maxAge {
		s.rateCache.Set(cacheKey, latest, s.maxAge-time.Since(latest.FetchedAt))
		return latest, nil
	}
	if err != nil && !errors.Is(err, store.ErrRateNotFound) {
		return nil, err
	}

	fetched, fetchErr := s.fetchWithRetries(ctx, from, to)
	if fetchErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrFxLookup, fetchErr)
	}

	if err := s.store.InsertFxRate(ctx, fetched); err != nil {
		return nil, err
	}
	s.rateCache.Set(cacheKey, fetched, s.maxAge)
	logger.L.Info("Fetched new FX rate", "from", from, "to", to, "rate", fetched.Rate.String(), "source", fetched.Source)
	return fetched, nil
}

func (s *fxServiceImpl) fetchWithRetries(ctx context.Context, from, to string) (*models.FxRate, error) {
	// Same-currency pairs never need the external source; an identity
	// observation is appended so conversions can reference a stored rate.
	if from == to {
		return &models.FxRate{
			ID:           uuid.NewString(),
			FromCurrency: from,
			ToCurrency:   to,
			Rate:         decimal.NewFromInt(1),
			Source:       "identity",
			FetchedAt:    time.Now().UTC(),
		}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		rate, source, err := s.source.FetchRate(ctx, from, to)
		if err == nil {
			return &models.FxRate{
				ID:           uuid.NewString(),
				FromCurrency: from,
				ToCurrency:   to,
				Rate:         rate,
				Source:       source,
				FetchedAt:    time.Now().UTC(),
			}, nil
		}
		lastErr = err
		logger.L.Warn("FX rate fetch attempt failed", "from", from, "to", to, "attempt", attempt, "error", err)
		if attempt < s.retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
	}
	return nil, fmt.Errorf("rate source failed after %d attempts: %w", s.retries, lastErr)
}
