// Package dashboard is the periodic consumer of the telemetry store. It
// builds a Board from the latest samples of every registered item and
// renders it either as a terminal UI or as periodic log lines.
package dashboard

import (
	"math"
	"time"

	"robot-telemetry/internal/layout"
)

// Querier is the read side of the store the dashboard needs. Every method
// must return without waiting on the ingestion goroutine.
type Querier interface {
	Latest(channel string) (int64, bool)
	Length(channel string) int
	Tail(channel string, n int) []int64
}

type AttitudeConfig struct {
	XChannel string
	YChannel string
	XDivisor float64
	YDivisor float64
}

type Board struct {
	Time     time.Time   `json:"time"`
	Groups   []GroupView `json:"groups"`
	Attitude Attitude    `json:"attitude"`
}

type GroupView struct {
	Name  string     `json:"name"`
	X     int        `json:"x"`
	Y     int        `json:"y"`
	Items []ItemView `json:"items"`
}

type ItemView struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	// Raw is the latest sample, or the item default when HasData is false.
	Raw      int64   `json:"raw"`
	HasData  bool    `json:"has_data"`
	RawText  string  `json:"raw_text"`
	Value    float64 `json:"value"`
	Text     string  `json:"text"`
	Fraction float64 `json:"fraction"`
	Length   int     `json:"length"`

	item layout.Item
}

// Position is where v sits in the item's configured range, clamped to [0, 1].
func (v ItemView) Position(raw int64) float64 {
	return v.item.Fraction(raw)
}

// Attitude is the ball position in degrees.
type Attitude struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	HasData bool    `json:"has_data"`
}

func BuildBoard(q Querier, reg *layout.Registry, att AttitudeConfig) Board {
	b := Board{Time: time.Now().UTC()}
	if reg != nil {
		for _, g := range reg.Groups() {
			gv := GroupView{Name: g.Name, X: g.X, Y: g.Y, Items: make([]ItemView, 0, len(g.Items))}
			for _, it := range g.Items {
				gv.Items = append(gv.Items, buildItem(q, it))
			}
			b.Groups = append(b.Groups, gv)
		}
	}
	b.Attitude = buildAttitude(q, att)
	return b
}

func buildItem(q Querier, it layout.Item) ItemView {
	v, ok := q.Latest(it.Channel)
	if !ok {
		v = it.Default
	}
	return ItemView{
		Name:     it.Name,
		Channel:  it.Channel,
		Raw:      v,
		HasData:  ok,
		RawText:  layout.FormatRaw(v),
		Value:    it.Scaled(v),
		Text:     it.FormatValue(v),
		Fraction: it.Fraction(v),
		Length:   q.Length(it.Channel),
		item:     it,
	}
}

func buildAttitude(q Querier, att AttitudeConfig) Attitude {
	if att.XChannel == "" || att.YChannel == "" {
		return Attitude{}
	}
	xv, xok := q.Latest(att.XChannel)
	yv, yok := q.Latest(att.YChannel)
	out := Attitude{HasData: xok || yok}
	out.X = divide(xv, att.XDivisor)
	out.Y = divide(yv, att.YDivisor)
	return out
}

func divide(v int64, d float64) float64 {
	if d == 0 || math.IsNaN(d) {
		return 0
	}
	return float64(v) / d
}

// Items flattens the board in display order.
func (b Board) Items() []ItemView {
	var out []ItemView
	for _, g := range b.Groups {
		out = append(out, g.Items...)
	}
	return out
}
