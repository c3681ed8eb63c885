// Package agecurve estimates when a Telegram account was registered.
//
// Telegram does not expose account creation dates, but user ids are allocated
// roughly monotonically, so an id maps to an approximate registration date.
// The anchors below are coarse observations of id ranges over time; between
// anchors the date is interpolated linearly, beyond the last anchor it is
// extrapolated with the last segment's slope and capped at "now".
package agecurve

import (
	"sort"
	"time"
)

type anchor struct {
	id int64
	at time.Time
}

var anchors = []anchor{
	{1_000_000, date(2013, 8)},
	{10_000_000, date(2013, 12)},
	{40_000_000, date(2014, 9)},
	{100_000_000, date(2015, 9)},
	{150_000_000, date(2016, 3)},
	{200_000_000, date(2016, 9)},
	{300_000_000, date(2017, 6)},
	{400_000_000, date(2018, 1)},
	{500_000_000, date(2018, 8)},
	{700_000_000, date(2019, 6)},
	{900_000_000, date(2020, 3)},
	{1_200_000_000, date(2020, 12)},
	{1_500_000_000, date(2021, 6)},
	{2_000_000_000, date(2022, 3)},
	{3_000_000_000, date(2023, 1)},
	{4_000_000_000, date(2023, 9)},
	{5_000_000_000, date(2024, 5)},
	{6_000_000_000, date(2025, 1)},
	{7_000_000_000, date(2025, 9)},
}

func date(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// EstimateCreation maps a Telegram user id to an approximate account creation
// time. ok is false for non-positive ids (bots, anonymous senders).
func EstimateCreation(userID int64, now time.Time) (time.Time, bool) {
	if userID <= 0 {
		return time.Time{}, false
	}

	if userID <= anchors[0].id {
		return anchors[0].at, true
	}

	i := sort.Search(len(anchors), func(i int) bool { return anchors[i].id >= userID })
	if i < len(anchors) {
		lo, hi := anchors[i-1], anchors[i]
		return lerp(lo, hi, userID), true
	}

	// Beyond the last anchor: extrapolate with the last segment's slope.
	lo, hi := anchors[len(anchors)-2], anchors[len(anchors)-1]
	est := lerp(lo, hi, userID)
	if est.After(now) {
		est = now
	}
	return est, true
}

func lerp(lo, hi anchor, id int64) time.Time {
	span := hi.at.Sub(lo.at)
	frac := float64(id-lo.id) / float64(hi.id-lo.id)
	return lo.at.Add(time.Duration(float64(span) * frac))
}
