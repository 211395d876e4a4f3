package enrich

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oschwald/geoip2-golang"

	"github.com/Kawayip/church-sub001/pkg/observability"
)

// Location is the derived country and city for an IP
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// UnknownLocation is returned whenever a lookup is impossible
var UnknownLocation = Location{Country: Unknown, City: Unknown}

// ErrNoDatabase is returned by a MaxMindResolver whose database is not loaded
var ErrNoDatabase = errors.New("geoip database not loaded")

// Resolver looks up the location of an IP address
type Resolver interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// MaxMindResolver resolves against a GeoIP2/GeoLite2 City database and reloads
// it when the file on disk is replaced.
type MaxMindResolver struct {
	path   string
	logger *observability.Logger

	mu     sync.RWMutex
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the database at path
func NewMaxMindResolver(path string, logger *observability.Logger) (*MaxMindResolver, error) {
	r := &MaxMindResolver{path: path, logger: logger}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MaxMindResolver) reload() error {
	reader, err := geoip2.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open geoip database %s: %w", r.path, err)
	}

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Lookup implements Resolver
func (r *MaxMindResolver) Lookup(ctx context.Context, ip string) (Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return UnknownLocation, fmt.Errorf("invalid ip %q", ip)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return UnknownLocation, ErrNoDatabase
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		return UnknownLocation, fmt.Errorf("geoip lookup failed: %w", err)
	}
	return Location{
		Country: orUnknown(record.Country.Names["en"]),
		City:    orUnknown(record.City.Names["en"]),
	}, nil
}

// Watch reloads the database whenever its file is written or replaced, until
// ctx is cancelled. The parent directory is watched so atomic renames are seen.
func (r *MaxMindResolver) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(r.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := r.reload(); err != nil {
					r.logger.WithError(err).Warn("GeoIP reload failed, keeping previous database")
					continue
				}
				r.logger.WithField("path", r.path).Info("GeoIP database reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.WithError(err).Warn("GeoIP watcher error")
			}
		}
	}()
	return nil
}

// Close releases the database
func (r *MaxMindResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}

// CachedResolver memoizes successful lookups for ttl
type CachedResolver struct {
	next  Resolver
	cache *lru.LRU[string, Location]
}

// NewCachedResolver wraps next with an expiring LRU of size entries
func NewCachedResolver(next Resolver, size int, ttl time.Duration) *CachedResolver {
	if size <= 0 {
		size = 1024
	}
	return &CachedResolver{next: next, cache: lru.NewLRU[string, Location](size, nil, ttl)}
}

// Lookup implements Resolver
func (c *CachedResolver) Lookup(ctx context.Context, ip string) (Location, error) {
	if loc, ok := c.cache.Get(ip); ok {
		return loc, nil
	}
	loc, err := c.next.Lookup(ctx, ip)
	if err != nil {
		return loc, err
	}
	c.cache.Add(ip, loc)
	return loc, nil
}

// Len returns the number of cached entries
func (c *CachedResolver) Len() int {
	return c.cache.Len()
}
