package ingest

import (
	"time"

	"ohlcv_ledger/models"
)

// hourClock computes hour boundaries in one location. Boundaries are absolute
// millisecond timestamps of local hh:00, so a change of zone or DST rules moves
// them and requires a new aggregation version.
type hourClock struct {
	loc *time.Location
}

// floor returns the key of the local hour containing ms: ms minus the local minutes and
// seconds. Around a DST shift the key can precede the hour's first minute.
func (c hourClock) floor(ms int64) int64 {
	t := time.UnixMilli(ms).In(c.loc)
	return ms - int64(t.Minute())*models.MinuteMillis - int64(t.Second())*1000 - int64(t.Nanosecond()/1e6)
}

// maxShiftSteps bounds the minute walks below; no zone shifts an hour boundary by more than two hours.
const maxShiftSteps = 120

// next returns the first minute after the hour keyed h. It is the smallest t > h with
// floor(t) > h, so floor is constant on [start(h), next(h)) even when a DST shift that is
// not a whole hour moves the boundary.
func (c hourClock) next(h int64) int64 {
	t := h + models.HourMillis
	for i := 0; i < maxShiftSteps && c.floor(t) <= h; i++ {
		t += models.MinuteMillis
	}
	for i := 0; i < maxShiftSteps && t-models.MinuteMillis > h && c.floor(t-models.MinuteMillis) > h; i++ {
		t -= models.MinuteMillis
	}
	return t
}

// start returns the first minute whose floor is h. It differs from h only when a
// clock change skipped or repeated part of the hour.
func (c hourClock) start(h int64) int64 {
	t := h
	for i := 0; i < maxShiftSteps && c.floor(t) < h; i++ {
		t += models.MinuteMillis
	}
	return t
}

// prev returns the key of the hour before the one keyed h.
func (c hourClock) prev(h int64) int64 {
	return c.floor(c.start(h) - 1)
}

// lastComplete returns the newest hour whose final minute bar is at or before lastRaw.
func (c hourClock) lastComplete(lastRaw int64) int64 {
	h := c.floor(lastRaw)
	if lastRaw >= c.next(h)-models.MinuteMillis {
		return h
	}
	return c.prev(h)
}

// foldHour folds the ordered raw bars of one hour into a single bar opening at hourStart.
func foldHour(hourStart int64, bars []models.Bar) models.Bar {
	out := models.Bar{
		OpenTime: hourStart,
		Open:     bars[0].Open,
		High:     bars[0].High,
		Low:      bars[0].Low,
		Close:    bars[len(bars)-1].Close,
	}
	for _, b := range bars {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Volume += b.Volume
	}
	return out
}
