package geo

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"delivery-dispatch/internal/metrics"
)

// Service is the geo facade used by dispatch and tracking. Distance lookups
// never fail: a provider error degrades to a haversine estimate.
type Service struct {
	provider    Provider
	timeout     time.Duration
	speedKMH    float64
	concurrency int
	logger      *slog.Logger
}

func NewService(provider Provider, timeout time.Duration, fallbackSpeedKMH float64, concurrency int) *Service {
	if provider == nil {
		provider = HaversineProvider{SpeedKMH: fallbackSpeedKMH}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{
		provider:    provider,
		timeout:     timeout,
		speedKMH:    fallbackSpeedKMH,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "geo"),
	}
}

// -------------------------------------------------------------------------------------------------
func (s *Service) Distance(ctx context.Context, origin, destination Location) Route {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r, err := s.provider.DistanceAndDuration(ctx, origin, destination)
	if err != nil {
		metrics.GeoFallbackTotal.WithLabelValues("distance").Inc()
		s.logger.WarnContext(ctx, "geo distance fallback", slog.String("error", err.Error()))
		return straightLine(origin, destination, s.speedKMH)
	}
	return r
}

// -------------------------------------------------------------------------------------------------
// DistancesTo prices every origin against one destination. Results are index
// aligned with origins; a failed element falls back on its own.
func (s *Service) DistancesTo(ctx context.Context, origins []Location, destination Location) []Route {
	out := make([]Route, len(origins))
	if len(origins) == 0 {
		return out
	}

	if mp, ok := s.provider.(MatrixProvider); ok {
		mctx, cancel := s.withTimeout(ctx)
		routes, errs, err := mp.DistancesTo(mctx, origins, destination)
		cancel()
		if err == nil {
			for i := range origins {
				if errs[i] != nil {
					metrics.GeoFallbackTotal.WithLabelValues("matrix_element").Inc()
					out[i] = straightLine(origins[i], destination, s.speedKMH)
					continue
				}
				out[i] = routes[i]
			}
			return out
		}
		s.logger.WarnContext(ctx, "geo matrix failed, pricing candidates one by one", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, o := range origins {
		g.Go(func() error {
			out[i] = s.Distance(gctx, o, destination)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// -------------------------------------------------------------------------------------------------
// Path returns the polyline between two points along with its distance and
// duration. Provider failures degrade to a straight segment.
func (s *Service) Path(ctx context.Context, origin, destination Location) ([]Location, Route) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	points, err := s.provider.RoutePolyline(ctx, origin, destination)
	if err != nil || len(points) == 0 {
		metrics.GeoFallbackTotal.WithLabelValues("route").Inc()
		if err != nil {
			s.logger.WarnContext(ctx, "geo route fallback", slog.String("error", err.Error()))
		}
		return []Location{origin, destination}, straightLine(origin, destination, s.speedKMH)
	}

	r, err := s.provider.DistanceAndDuration(ctx, origin, destination)
	if err != nil {
		metrics.GeoFallbackTotal.WithLabelValues("distance").Inc()
		r = straightLine(origin, destination, s.speedKMH)
	}
	return points, r
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
