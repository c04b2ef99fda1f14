package models

import "fmt"

// MinuteMillis is the width of one raw bar.
const MinuteMillis int64 = 60_000

// HourMillis is the width of one aggregated bar.
const HourMillis int64 = 60 * MinuteMillis

// Bar is one OHLCV record. Prices are fixed-point integers produced by price.Parse.
type Bar struct {
	OpenTime int64   `json:"open_time"`
	Open     int64   `json:"open"`
	High     int64   `json:"high"`
	Low      int64   `json:"low"`
	Close    int64   `json:"close"`
	Volume   float64 `json:"volume"`
}

// CheckOHLC reports whether low <= open, close <= high.
func (b Bar) CheckOHLC() error {
	if b.Low > b.High {
		return fmt.Errorf("low %d above high %d", b.Low, b.High)
	}
	if b.Open < b.Low || b.Open > b.High {
		return fmt.Errorf("open %d outside [%d, %d]", b.Open, b.Low, b.High)
	}
	if b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("close %d outside [%d, %d]", b.Close, b.Low, b.High)
	}
	return nil
}

// Namespace selects which granularity a block belongs to.
type Namespace byte

const (
	Raw        Namespace = 'r'
	Aggregated Namespace = 'a'
)

func (n Namespace) String() string {
	switch n {
	case Raw:
		return "raw"
	case Aggregated:
		return "aggregated"
	default:
		return fmt.Sprintf("namespace(%d)", byte(n))
	}
}

// ParseNamespace maps "raw" / "aggregated" to a Namespace.
func ParseNamespace(s string) (Namespace, bool) {
	switch s {
	case "raw":
		return Raw, true
	case "aggregated", "aggr":
		return Aggregated, true
	default:
		return 0, false
	}
}

// Block is a decoded stored block together with the open_time it is keyed by.
type Block struct {
	OpenTime int64
	Bars     []Bar
}
