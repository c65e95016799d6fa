package delivery

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownZone is returned for a zone that is not configured.
var ErrUnknownZone = errors.New("unknown delivery zone")

// Zones maps delivery zone names to their flat fee in KES.
type Zones struct {
	fees  map[string]decimal.Decimal // keyed by lower-cased name
	names map[string]string          // lower-cased -> configured spelling
}

// ParseZones reads a "Name=fee,Name=fee" list, e.g. "Westlands=200,CBD=0".
func ParseZones(raw string) (*Zones, error) {
	z := &Zones{fees: map[string]decimal.Decimal{}, names: map[string]string{}}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, fee, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("delivery zone %q: expected name=fee", part)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(fee))
		if err != nil {
			return nil, fmt.Errorf("delivery zone %q: bad fee: %w", name, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("delivery zone %q: fee must not be negative", name)
		}
		key := strings.ToLower(name)
		if _, dup := z.fees[key]; dup {
			return nil, fmt.Errorf("delivery zone %q configured twice", name)
		}
		z.fees[key] = d
		z.names[key] = name
	}
	if len(z.fees) == 0 {
		return nil, errors.New("no delivery zones configured")
	}
	return z, nil
}

// Fee returns the zone's fee and its configured name. Lookup ignores case.
func (z *Zones) Fee(zone string) (decimal.Decimal, string, error) {
	key := strings.ToLower(strings.TrimSpace(zone))
	fee, ok := z.fees[key]
	if !ok {
		return decimal.Zero, "", fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	return fee, z.names[key], nil
}

// Names lists the configured zones in alphabetical order.
func (z *Zones) Names() []string {
	out := make([]string, 0, len(z.names))
	for _, n := range z.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
