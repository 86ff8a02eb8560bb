package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/graph"
	"github.com/and161185/mdmkeeper/internal/metrics"
	"github.com/and161185/mdmkeeper/internal/model"
)

// DevicePager reads the managed device listing page by page.
// *graph.Client satisfies it.
type DevicePager interface {
	FirstPageURL(f model.DeviceFilter) string
	Page(ctx context.Context, token, pageURL string) (graph.Page, error)
}

// FetchResult is delivered by FetchAsync once the fetch completes.
type FetchResult struct {
	Devices []model.DeviceRecord
	Err     error
}

// DeviceCatalog holds the result of the last successful fetch.
// A failed or cancelled fetch never touches it.
type DeviceCatalog struct {
	pager   DevicePager
	log     *zap.Logger
	metrics *metrics.Metrics

	busy atomic.Bool

	mu        sync.RWMutex
	devices   []model.DeviceRecord
	index     map[string]int
	fetchedAt time.Time
}

// NewDeviceCatalog constructs an empty catalog.
func NewDeviceCatalog(pager DevicePager, log *zap.Logger, m *metrics.Metrics) *DeviceCatalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceCatalog{pager: pager, log: log, metrics: m, index: map[string]int{}}
}

// Fetch follows continuation links until exhausted and then replaces the catalog.
// It fails with ErrBusy while another fetch is in flight.
func (c *DeviceCatalog) Fetch(ctx context.Context, cred model.Credential, filter model.DeviceFilter) ([]model.DeviceRecord, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrInvalidArgument, err)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, errs.ErrBusy
	}
	defer c.busy.Store(false)
	return c.fetch(ctx, cred, filter)
}

// FetchAsync runs Fetch in its own goroutine. The busy check happens before it returns,
// so a rejected call delivers ErrBusy on the channel immediately.
func (c *DeviceCatalog) FetchAsync(ctx context.Context, cred model.Credential, filter model.DeviceFilter) <-chan FetchResult {
	done := make(chan FetchResult, 1)
	if err := filter.Validate(); err != nil {
		done <- FetchResult{Err: fmt.Errorf("%w: %w", errs.ErrInvalidArgument, err)}
		return done
	}
	if !c.busy.CompareAndSwap(false, true) {
		done <- FetchResult{Err: errs.ErrBusy}
		return done
	}
	go func() {
		defer c.busy.Store(false)
		devices, err := c.fetch(ctx, cred, filter)
		done <- FetchResult{Devices: devices, Err: err}
	}()
	return done
}

func (c *DeviceCatalog) fetch(ctx context.Context, cred model.Credential, filter model.DeviceFilter) ([]model.DeviceRecord, error) {
	start := time.Now()
	var acc []model.DeviceRecord
	pages := 0

	for next := c.pager.FirstPageURL(filter); next != ""; {
		if err := ctx.Err(); err != nil {
			c.metrics.ObserveFetch(false, 0, time.Since(start))
			return nil, err
		}
		page, err := c.pager.Page(ctx, cred.AccessToken, next)
		if err != nil {
			c.metrics.ObserveFetch(false, 0, time.Since(start))
			c.log.Warn("device fetch failed",
				zap.Int("page", pages+1),
				zap.String("filter", filter.Expression()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("fetch page %d: %w", pages+1, err)
		}
		pages++
		acc = append(acc, page.Value...)
		next = page.NextLink
	}

	c.replace(acc)
	c.metrics.ObserveFetch(true, pages, time.Since(start))
	c.log.Info("device catalog replaced",
		zap.Int("devices", len(acc)),
		zap.Int("pages", pages),
		zap.String("filter", filter.Expression()),
	)
	return slices.Clone(acc), nil
}

func (c *DeviceCatalog) replace(devices []model.DeviceRecord) {
	index := make(map[string]int, len(devices))
	for i, d := range devices {
		if _, dup := index[d.ID]; !dup {
			index[d.ID] = i
		}
	}
	c.mu.Lock()
	c.devices = devices
	c.index = index
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

// Snapshot returns a copy of the current catalog in arrival order.
func (c *DeviceCatalog) Snapshot() []model.DeviceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.devices)
}

// Lookup finds a device by identifier.
func (c *DeviceCatalog) Lookup(id string) (model.DeviceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return model.DeviceRecord{}, false
	}
	return c.devices[i], true
}

// Len is the number of devices in the catalog.
func (c *DeviceCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

// FetchedAt is the completion time of the last successful fetch (zero if none).
func (c *DeviceCatalog) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}
