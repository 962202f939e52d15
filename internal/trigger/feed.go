package trigger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/jonboulle/clockwork"
)

const earthRadiusMeters = 6371000.0

// FeedSource reads "lat,lon" lines and reports only fixes that moved more
// than Threshold meters from the last reported one. The first valid fix is
// always reported. Blank lines and lines starting with '#' are ignored.
type FeedSource struct {
	r         io.Reader
	threshold float64
	clock     clockwork.Clock
	logger    logging.Logger
}

func NewFeedSource(r io.Reader, thresholdMeters float64, clock clockwork.Clock, logger logging.Logger) *FeedSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &FeedSource{r: r, threshold: thresholdMeters, clock: clock, logger: logger}
}

func (s *FeedSource) Updates(ctx context.Context) (<-chan Fix, error) {
	out := make(chan Fix)
	go func() {
		defer close(out)

		var last *Fix
		scanner := bufio.NewScanner(s.r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fix, err := parseFix(line)
			if err != nil {
				s.logger.Warn("Ignoring malformed location", logging.F("line", line), logging.F("error", err))
				continue
			}
			if last != nil && Distance(*last, fix) <= s.threshold {
				continue
			}
			fix.At = s.clock.Now()
			last = &fix

			select {
			case out <- fix:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.logger.Warn("Location feed ended", logging.F("error", err))
		}
	}()
	return out, nil
}

func parseFix(line string) (Fix, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return Fix{}, fmt.Errorf("want \"lat,lon\", got %q", line)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Fix{}, fmt.Errorf("bad latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Fix{}, fmt.Errorf("bad longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Fix{}, fmt.Errorf("coordinates out of range: %g,%g", lat, lon)
	}
	return Fix{Lat: lat, Lon: lon}, nil
}

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b Fix) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
