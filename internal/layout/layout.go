// Package layout holds the display metadata of telemetry channels: which
// groups exist, where they sit, and how each item turns a raw sample into
// text and a slider position.
package layout

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const DefaultFormat = "%.2f"

var ErrUnknownGroup = errors.New("layout: unknown group")

type Item struct {
	Name    string  `json:"name"`
	Channel string  `json:"channel"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Factor  float64 `json:"factor"`
	Format  string  `json:"format"`
	Suffix  string  `json:"suffix,omitempty"`
	// Default is shown while the channel has no samples.
	Default int64 `json:"default"`
}

type Group struct {
	Name  string `json:"name"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Items []Item `json:"items"`
}

// Registry collects groups and items. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	groups []*Group
	byName map[string]*Group
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Group{}}
}

// RegisterGroup adds a group at grid position (x, y). Registering a name
// twice keeps the first registration.
func (r *Registry) RegisterGroup(name string, x, y int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("layout: group name is required")
	}
	if x < 0 || y < 0 {
		return fmt.Errorf("layout: group %q position must be >= 0", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return nil
	}
	g := &Group{Name: name, X: x, Y: y}
	r.groups = append(r.groups, g)
	r.byName[name] = g
	return nil
}

// RegisterItem adds an item to an existing group. A repeated item name in the
// same group keeps the first registration.
func (r *Registry) RegisterItem(group, item, channel string, min, max, factor float64, format, suffix string, def int64) error {
	item = strings.TrimSpace(item)
	channel = strings.TrimSpace(channel)
	switch {
	case item == "":
		return fmt.Errorf("layout: item name is required (group %q)", group)
	case channel == "":
		return fmt.Errorf("layout: item %q channel is required", item)
	case strings.ContainsAny(channel, " \t"):
		return fmt.Errorf("layout: item %q channel %q must not contain spaces", item, channel)
	case factor == 0 || math.IsNaN(factor) || math.IsInf(factor, 0):
		return fmt.Errorf("layout: item %q factor must be non-zero", item)
	case !(max > min):
		return fmt.Errorf("layout: item %q max must be > min", item)
	}
	if format == "" {
		format = DefaultFormat
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byName[group]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownGroup, group)
	}
	for _, it := range g.Items {
		if it.Name == item {
			return nil
		}
	}
	g.Items = append(g.Items, Item{
		Name:    item,
		Channel: channel,
		Min:     min,
		Max:     max,
		Factor:  factor,
		Format:  format,
		Suffix:  suffix,
		Default: def,
	})
	return nil
}

// Groups returns a copy of the registered groups ordered by row, then column,
// then registration order.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		cp := *g
		cp.Items = append([]Item(nil), g.Items...)
		out = append(out, cp)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// Channels lists the distinct channels referenced by items in display order,
// following Groups.
func (r *Registry) Channels() []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range r.Groups() {
		for _, it := range g.Items {
			if seen[it.Channel] {
				continue
			}
			seen[it.Channel] = true
			out = append(out, it.Channel)
		}
	}
	return out
}

// Len is the number of registered items.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, g := range r.groups {
		n += len(g.Items)
	}
	return n
}

// FormatRaw renders a raw sample the way the device prints it: non-negative
// values zero-padded to five digits with a plus sign.
func FormatRaw(v int64) string {
	if v < 0 {
		return strconv.FormatInt(v, 10)
	}
	return fmt.Sprintf("+%05d", v)
}

func (it Item) Scaled(v int64) float64 {
	f := it.Factor
	if f == 0 {
		f = 1
	}
	return float64(v) / f
}

func (it Item) FormatValue(v int64) string {
	format := it.Format
	if format == "" {
		format = DefaultFormat
	}
	return fmt.Sprintf(format, it.Scaled(v)) + it.Suffix
}

// Fraction is the position of the scaled value within [Min, Max], clamped to
// [0, 1].
func (it Item) Fraction(v int64) float64 {
	span := it.Max - it.Min
	if !(span > 0) {
		return 0
	}
	f := (it.Scaled(v) - it.Min) / span
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
