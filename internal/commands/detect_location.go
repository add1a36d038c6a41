package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
)

// Locator resolves which country a host is in. *geoip.Client satisfies it.
type Locator interface {
	Lookup(ctx context.Context, host string) (countryCode, method string, err error)
}

// DetectLocation decides whether regional (China) mirrors should be used.
// The geolocation query runs from the gateway, not the target, so it works
// before curl or any tooling exists on the machine. Location lookups leave
// the gateway, so the step is confirmation-gated.
type DetectLocation struct {
	meta
	geo  Locator
	host string
}

func NewDetectLocation(geo Locator, host string) *DetectLocation {
	return &DetectLocation{
		meta: meta{id: "detect_location", name: "Detect server location", estimate: 10 * time.Second, gated: true},
		geo:  geo,
		host: host,
	}
}

func (c *DetectLocation) Execute(pc *pipeline.Context) pipeline.Result {
	code, method, err := c.geo.Lookup(pc.Ctx(), c.host)
	if err != nil {
		if pc.Cancelled() {
			return pipeline.Fail("cancelled", false)
		}
		// Unknown location falls back to global mirrors.
		pc.SetLocation(pipeline.LocationInfo{UseChinaMirror: false, Method: "default"})
		return pipeline.Skipped(fmt.Sprintf("no-location: %v (assuming global mirrors)", err))
	}

	loc := pipeline.LocationInfo{
		CountryCode:    code,
		UseChinaMirror: code == "CN",
		Method:         method,
	}
	pc.SetLocation(loc)
	pc.Progress(pipeline.LevelInfo, fmt.Sprintf("country %s via %s, china mirrors: %v", code, method, loc.UseChinaMirror))
	return pipeline.Success()
}
