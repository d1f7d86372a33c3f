package fees

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var hundred = decimal.NewFromInt(100)

type overrideKey struct {
	venue string
	kind  Kind
}

// Overrides is the process-wide fee override table. Values are fractions
// (0.002 == 0.2%). Construct one per process and hand it to every fee
// model that should honour it.
type Overrides struct {
	mu    sync.RWMutex
	table map[overrideKey]decimal.Decimal
}

func NewOverrides() *Overrides {
	return &Overrides{table: make(map[overrideKey]decimal.Decimal)}
}

func (o *Overrides) Get(venue string, kind Kind) (decimal.Decimal, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.table[overrideKey{venue: normalizeVenue(venue), kind: kind}]
	return v, ok
}

// Set replaces the entry for (venue, kind). A nil value clears it.
func (o *Overrides) Set(venue string, kind Kind, fraction *decimal.Decimal) {
	key := overrideKey{venue: normalizeVenue(venue), kind: kind}
	o.mu.Lock()
	defer o.mu.Unlock()
	if fraction == nil {
		delete(o.table, key)
		return
	}
	o.table[key] = *fraction
}

// SetPercent stores an override given in percent, the unit used by the
// override file (0.2 means 0.2%).
func (o *Overrides) SetPercent(venue string, kind Kind, percent *decimal.Decimal) {
	if percent == nil {
		o.Set(venue, kind, nil)
		return
	}
	fraction := percent.Div(hundred)
	o.Set(venue, kind, &fraction)
}

func (o *Overrides) Clear(venue string, kind Kind) {
	o.Set(venue, kind, nil)
}

// Reset drops every override so all venues fall back to their defaults.
func (o *Overrides) Reset() {
	o.mu.Lock()
	o.table = make(map[overrideKey]decimal.Decimal)
	o.mu.Unlock()
}

// Load replaces the table with the entries of a YAML override file keyed
// "<venue>_<maker|taker>_fee". Null values mean "use the venue default".
func (o *Overrides) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return o.Decode(bytes.NewReader(data))
}

func (o *Overrides) Decode(r io.Reader) error {
	raw := map[string]*string{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return fmt.Errorf("decode fee overrides: %w", err)
	}
	next := make(map[overrideKey]decimal.Decimal, len(raw))
	for name, value := range raw {
		venue, kind, err := parseOverrideName(name)
		if err != nil {
			return err
		}
		if value == nil || strings.TrimSpace(*value) == "" {
			continue
		}
		pct, err := decimal.NewFromString(strings.TrimSpace(*value))
		if err != nil {
			return fmt.Errorf("fee override %s: invalid decimal %q: %w", name, *value, err)
		}
		if pct.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("fee override %s must be >= 0", name)
		}
		next[overrideKey{venue: venue, kind: kind}] = pct.Div(hundred)
	}
	o.mu.Lock()
	o.table = next
	o.mu.Unlock()
	return nil
}

func parseOverrideName(name string) (string, Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	trimmed, ok := strings.CutSuffix(n, "_fee")
	if !ok {
		return "", "", fmt.Errorf("fee override key %q must end with _fee", name)
	}
	for _, kind := range []Kind{Maker, Taker} {
		if venue, ok := strings.CutSuffix(trimmed, "_"+string(kind)); ok && venue != "" {
			return venue, kind, nil
		}
	}
	return "", "", fmt.Errorf("fee override key %q must be <venue>_maker_fee or <venue>_taker_fee", name)
}

func normalizeVenue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
