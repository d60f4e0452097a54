// Package scan locates the peripheral's address with layered heuristics:
// cached fast path, advertisement filter scan, full discovery, name search,
// and on stale-handle BLE stacks a refresh scan plus deferred cache fallback.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/coyote/internal/device"
	"github.com/srg/coyote/internal/settings"
)

// ErrNotFound is returned when every step of an attempt missed.
var ErrNotFound = errors.New("peripheral not found")

// Defaults for Options.
const (
	DefaultStepTimeout         = 5 * time.Second
	DefaultRefreshTimeout      = 4 * time.Second
	DefaultCachedFailureLimit  = 3
	DefaultCachedCooldownScans = 2

	// StaleMissThreshold is the miss streak from which a stale-handle stack
	// tries the cached address first and runs the refresh scan.
	StaleMissThreshold = 2
)

// Options tune a Strategy. Zero values take the defaults above.
type Options struct {
	Matcher             Matcher
	StepTimeout         time.Duration
	RefreshTimeout      time.Duration
	CachedFailureLimit  int
	CachedCooldownScans int

	// StaleHandle enables the workarounds for stacks that keep stale GATT
	// handles: deferred cached binding and the refresh scan.
	StaleHandle bool
}

func (o *Options) applyDefaults() {
	if o.Matcher.Name == "" && o.Matcher.Prefix == "" && len(o.Matcher.Services) == 0 {
		o.Matcher = DefaultMatcher("")
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}
	if o.CachedFailureLimit <= 0 {
		o.CachedFailureLimit = DefaultCachedFailureLimit
	}
	if o.CachedCooldownScans <= 0 {
		o.CachedCooldownScans = DefaultCachedCooldownScans
	}
}

// Result is a located peripheral.
type Result struct {
	Address   string
	FromCache bool
	Step      string
}

type locateStep struct {
	name string
	run  func(context.Context) (device.Advertisement, bool, error)
}

// Strategy implements the layered locate procedure. Locate must not run
// concurrently with itself; the Report* methods may be called from anywhere.
type Strategy struct {
	adapter device.Adapter
	store   settings.AddressStore
	opts    Options
	logger  *logrus.Logger

	mu             sync.Mutex
	missStreak     int
	cachedFailures int
	skipCached     int

	// live discovery cache, written from the adapter's scan callback
	seen *hashmap.Map[string, device.Advertisement]
}

// NewStrategy creates a Strategy.
func NewStrategy(adapter device.Adapter, store settings.AddressStore, opts Options, logger *logrus.Logger) *Strategy {
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()
	return &Strategy{
		adapter: adapter,
		store:   store,
		opts:    opts,
		logger:  logger,
		seen:    hashmap.New[string, device.Advertisement](),
	}
}

// Locate runs one scan attempt.
func (s *Strategy) Locate(ctx context.Context) (Result, error) {
	start := time.Now()
	cached := s.store.Address()

	s.mu.Lock()
	tryCached := cached != "" && s.skipCached <= 0
	deferred := ""
	switch {
	case tryCached && s.opts.StaleHandle && s.missStreak < StaleMissThreshold:
		deferred = cached
		tryCached = false
		s.logger.Info("Deferring cached-address reconnect until after fresh scans")
	case cached != "" && s.skipCached > 0:
		s.logger.WithField("remaining", s.skipCached).Info("Skipping cached-address reconnect this scan")
		s.skipCached--
	}
	streak := s.missStreak
	s.mu.Unlock()

	if tryCached {
		s.logger.WithField("address", cached).Info("Trying direct reconnect to known address")
		return s.finish(Result{Address: cached, FromCache: true, Step: "cached"}, start), nil
	}

	s.resetSeen()

	steps := []locateStep{
		{"filter", func(ctx context.Context) (device.Advertisement, bool, error) {
			return s.scanFirst(ctx, s.opts.StepTimeout, device.ScanOptions{}, s.opts.Matcher.Match)
		}},
		{"discover", func(ctx context.Context) (device.Advertisement, bool, error) {
			return s.scanCollect(ctx, s.opts.StepTimeout, device.ScanOptions{})
		}},
		{"name", func(ctx context.Context) (device.Advertisement, bool, error) {
			return s.scanFirst(ctx, s.opts.StepTimeout, device.ScanOptions{Active: true}, s.opts.Matcher.MatchExactName)
		}},
	}
	if s.opts.StaleHandle && streak >= StaleMissThreshold {
		steps = append(steps, locateStep{"refresh", func(ctx context.Context) (device.Advertisement, bool, error) {
			s.logger.WithField("streak", streak).Warn("Triggering BLE scanner refresh after consecutive misses")
			return s.scanCollect(ctx, s.opts.RefreshTimeout, device.ScanOptions{Active: true, AllowDuplicates: true})
		}})
	}

	for _, step := range steps {
		adv, ok, err := step.run(ctx)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{"step": step.name, "error": err}).Info("Scan step failed")
			continue
		}
		if ok {
			s.logger.WithFields(logrus.Fields{
				"step":    step.name,
				"name":    adv.Name,
				"address": adv.Address,
			}).Info("Device found")
			s.remember(adv.Address)
			return s.finish(Result{Address: adv.Address, Step: step.name}, start), nil
		}
	}

	if deferred != "" {
		s.logger.WithField("address", deferred).Info("Trying direct reconnect to known address")
		return s.finish(Result{Address: deferred, FromCache: true, Step: "deferred"}, start), nil
	}

	s.mu.Lock()
	s.missStreak++
	streak = s.missStreak
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"name":    s.opts.Matcher.Name,
		"streak":  streak,
		"elapsed": time.Since(start).Round(100 * time.Millisecond),
	}).Warn("Device not found. Check device power and proximity.")
	return Result{}, ErrNotFound
}

func (s *Strategy) finish(r Result, start time.Time) Result {
	s.mu.Lock()
	s.missStreak = 0
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": r.Address,
		"cached":  r.FromCache,
		"step":    r.Step,
		"elapsed": time.Since(start).Round(100 * time.Millisecond),
	}).Debug("Scan attempt finished")
	return r
}

// remember persists a freshly discovered address and resets cached counters.
func (s *Strategy) remember(address string) {
	s.mu.Lock()
	s.cachedFailures = 0
	s.skipCached = 0
	s.mu.Unlock()

	if err := s.store.SetAddress(address); err != nil {
		s.logger.WithField("error", err).Warn("Failed to persist device address")
	}
}

// scanFirst scans until match accepts an advertisement or timeout elapses.
func (s *Strategy) scanFirst(ctx context.Context, timeout time.Duration, opts device.ScanOptions, match func(device.Advertisement) bool) (device.Advertisement, bool, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		once  sync.Once
		found device.Advertisement
		hit   bool
	)
	err := s.adapter.Scan(scanCtx, opts, func(adv device.Advertisement) {
		s.observe(adv)
		if match(adv) {
			once.Do(func() {
				found, hit = adv, true
				cancel()
			})
		}
	})
	if hit {
		return found, true, nil
	}
	if err != nil {
		return device.Advertisement{}, false, fmt.Errorf("scan: %w", err)
	}
	return device.Advertisement{}, false, nil
}

// scanCollect fills the discovery cache for timeout, then matches over it.
func (s *Strategy) scanCollect(ctx context.Context, timeout time.Duration, opts device.ScanOptions) (device.Advertisement, bool, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.adapter.Scan(scanCtx, opts, s.observe)
	if err != nil {
		return device.Advertisement{}, false, fmt.Errorf("scan: %w", err)
	}

	var found device.Advertisement
	var hit bool
	s.seen.Range(func(_ string, adv device.Advertisement) bool {
		if s.opts.Matcher.Match(adv) {
			found, hit = adv, true
			return false
		}
		return true
	})
	return found, hit, nil
}

// observe merges adv into the discovery cache. Scan responses often carry the
// name while the advertisement carries the services.
func (s *Strategy) observe(adv device.Advertisement) {
	if adv.Address == "" {
		return
	}
	prev, ok := s.seen.Get(adv.Address)
	if ok {
		if adv.Name == "" {
			adv.Name = prev.Name
		}
		adv.Services = mergeServices(prev.Services, adv.Services)
	}
	s.seen.Set(adv.Address, adv)
}

func mergeServices(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, u := range b {
		dup := false
		for _, have := range out {
			if have == u {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, u)
		}
	}
	return out
}

func (s *Strategy) resetSeen() {
	var keys []string
	s.seen.Range(func(k string, _ device.Advertisement) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		s.seen.Del(k)
	}
}

// Seen returns a snapshot of every peripheral observed so far, keyed by address.
func (s *Strategy) Seen() map[string]device.Advertisement {
	out := make(map[string]device.Advertisement, s.seen.Len())
	s.seen.Range(func(k string, v device.Advertisement) bool {
		out[k] = v
		return true
	})
	return out
}

// ReportConnectFailure records a failed connect to an address produced by
// Locate. It returns true when this failure cleared the persisted address.
func (s *Strategy) ReportConnectFailure(fromCache bool) bool {
	if !fromCache || s.store.Address() == "" {
		return false
	}

	s.mu.Lock()
	s.cachedFailures++
	s.skipCached = max(s.skipCached, s.opts.CachedCooldownScans)
	failures := s.cachedFailures
	s.mu.Unlock()

	fields := logrus.Fields{"failures": failures, "limit": s.opts.CachedFailureLimit}
	if failures < s.opts.CachedFailureLimit {
		s.logger.WithFields(fields).Warn("Cached address connect failed; keeping cached address for fast retry")
		return false
	}

	s.logger.WithFields(fields).Warn("Cached address connect failed; clearing cached address and forcing fresh discovery")
	if err := s.store.SetAddress(""); err != nil {
		s.logger.WithField("error", err).Warn("Failed to clear device address")
	}
	return true
}

// ReportConnectSuccess resets the cached-address counters.
func (s *Strategy) ReportConnectSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedFailures = 0
}

// ForceRefresh makes the next attempt eligible for the refresh scan.
func (s *Strategy) ForceRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missStreak = max(s.missStreak, StaleMissThreshold)
}

// MissStreak returns the number of consecutive full misses.
func (s *Strategy) MissStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missStreak
}

// CachedFailures returns the consecutive failures of the cached address.
func (s *Strategy) CachedFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedFailures
}
