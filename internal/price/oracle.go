package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"chaintv/internal/logging"
	"chaintv/internal/metrics"
)

// LamportsPerSOL is the number of smallest units in one SOL.
const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// Sample is an exchange rate observation.
type Sample struct {
	Rate      decimal.Decimal // USD per SOL
	FetchedAt time.Time
	Fallback  bool // true when Rate is the configured constant, not a fetched value
}

// Config holds configuration for the Oracle.
type Config struct {
	URL      string
	Interval time.Duration
	Fallback decimal.Decimal // zero disables the fallback
	Client   *http.Client
}

// Oracle keeps the latest SOL/USD rate and refreshes it on a timer while at
// least one consumer holds a lease.
type Oracle struct {
	url      string
	interval time.Duration
	fallback decimal.Decimal
	client   *http.Client

	mu     sync.RWMutex
	sample *Sample

	leaseMu sync.Mutex
	leases  int
	cancel  context.CancelFunc
	done    chan struct{}
}

type simplePriceResponse struct {
	Solana *struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"solana"`
}

// NewOracle creates an oracle. No request is made until Acquire or Refresh.
func NewOracle(cfg Config) *Oracle {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Oracle{
		url:      cfg.URL,
		interval: interval,
		fallback: cfg.Fallback,
		client:   client,
	}
}

// Acquire takes a lease on the oracle. The first lease fetches immediately and
// starts the refresh timer; releasing the last lease stops it. The returned
// func is safe to call more than once.
func (o *Oracle) Acquire() (release func()) {
	o.leaseMu.Lock()
	o.leases++
	if o.leases == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		o.done = make(chan struct{})
		go o.poll(ctx, o.done)
	}
	o.leaseMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(o.release)
	}
}

func (o *Oracle) release() {
	o.leaseMu.Lock()
	defer o.leaseMu.Unlock()

	o.leases--
	if o.leases > 0 {
		return
	}
	o.leases = 0
	if o.cancel != nil {
		o.cancel()
		<-o.done
		o.cancel = nil
		o.done = nil
	}
}

// Active reports whether the refresh timer is running.
func (o *Oracle) Active() bool {
	o.leaseMu.Lock()
	defer o.leaseMu.Unlock()
	return o.leases > 0
}

func (o *Oracle) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	o.Refresh(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Refresh(ctx)
		}
	}
}

// Refresh fetches the rate once. On failure the last good sample is kept, or
// the fallback installed if there has never been one; the fetch error is
// returned for diagnostics only.
func (o *Oracle) Refresh(ctx context.Context) error {
	rate, err := o.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		metrics.PriceFetchFailuresTotal.Inc()
		o.mu.Lock()
		if o.sample == nil && o.fallback.IsPositive() {
			o.sample = &Sample{Rate: o.fallback, FetchedAt: time.Now(), Fallback: true}
			metrics.PriceUSD.Set(o.fallback.InexactFloat64())
			logging.Oracle.Warn().Err(err).Str("fallback", o.fallback.String()).Msg("price fetch failed, using fallback rate")
		} else if o.sample != nil {
			logging.Oracle.Warn().Err(err).Time("last_fetched", o.sample.FetchedAt).Msg("price fetch failed, serving last known rate")
		} else {
			logging.Oracle.Error().Err(err).Msg("price fetch failed and no rate is available")
		}
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	o.sample = &Sample{Rate: rate, FetchedAt: time.Now()}
	o.mu.Unlock()
	metrics.PriceUSD.Set(rate.InexactFloat64())
	logging.Oracle.Debug().Str("rate", rate.String()).Msg("price refreshed")
	return nil
}

func (o *Oracle) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("price feed returned status %d: %s", resp.StatusCode, string(body))
	}

	var out simplePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Solana == nil || !out.Solana.USD.IsPositive() {
		return decimal.Zero, fmt.Errorf("price feed returned no usable rate")
	}
	return out.Solana.USD, nil
}

// Sample returns the current sample, stale or not.
func (o *Oracle) Sample() (Sample, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.sample == nil {
		return Sample{}, false
	}
	return *o.sample, true
}

// USDToLamports converts a USD amount at the current rate. It reports false
// only when no sample has ever been obtained.
func (o *Oracle) USDToLamports(usd decimal.Decimal) (uint64, bool) {
	s, ok := o.Sample()
	if !ok {
		return 0, false
	}
	return Convert(usd, s.Rate), true
}

// Convert returns floor(usd / rate) SOL in lamports. Non-positive inputs and
// results yield 0; results beyond uint64 saturate.
func Convert(usd, rate decimal.Decimal) uint64 {
	if !usd.IsPositive() || !rate.IsPositive() {
		return 0
	}
	lamports := usd.Mul(lamportsPerSOL).Div(rate).Floor()
	if !lamports.IsPositive() {
		return 0
	}
	if lamports.GreaterThan(decimal.NewFromUint64(math.MaxUint64)) {
		return math.MaxUint64
	}
	return lamports.BigInt().Uint64()
}

// LamportsToSOL renders lamports as a SOL amount.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSOL)
}
