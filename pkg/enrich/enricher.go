package enrich

import (
	"context"
	"net"
	"time"

	"github.com/Kawayip/church-sub001/pkg/observability"
)

// Dimensions is everything derived for one tracking event
type Dimensions struct {
	DeviceType string
	Browser    string
	OS         string
	Country    string
	City       string
}

// Enricher derives Dimensions with a bounded geo lookup
type Enricher struct {
	resolver Resolver
	timeout  time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewEnricher creates an enricher. A nil resolver disables geolocation
// (offline deployments); every location is then Unknown.
func NewEnricher(resolver Resolver, timeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Enricher {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Enricher{resolver: resolver, timeout: timeout, logger: logger, metrics: metrics}
}

// Derive never fails; anything it cannot determine is Unknown
func (e *Enricher) Derive(ctx context.Context, userAgent, ip string) Dimensions {
	client := ParseUserAgent(userAgent)
	loc := e.Locate(ctx, ip)
	return Dimensions{
		DeviceType: client.DeviceType,
		Browser:    client.Browser,
		OS:         client.OS,
		Country:    loc.Country,
		City:       loc.City,
	}
}

// Locate resolves ip within the enricher's timeout
func (e *Enricher) Locate(ctx context.Context, ip string) Location {
	if e.resolver == nil || !routable(ip) {
		return UnknownLocation
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		loc Location
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{loc: UnknownLocation, err: observability.PanicError(r)}
			}
		}()
		loc, err := e.resolver.Lookup(ctx, ip)
		done <- result{loc: loc, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			e.fail(ip, res.err)
			return UnknownLocation
		}
		return res.loc
	case <-ctx.Done():
		e.fail(ip, ctx.Err())
		return UnknownLocation
	}
}

func (e *Enricher) fail(ip string, err error) {
	e.metrics.RecordEnrichmentFailure("geo")
	e.logger.WithError(err).WithField("ip", ip).Debug("geo lookup degraded to Unknown")
}

// routable reports whether ip is a public address worth looking up
func routable(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return !(parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() ||
		parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast())
}
