// Package aggregate computes year-over-year statistics and weekly histograms from
// normalized records. All functions are pure; callers pass the current time.
package aggregate

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kjstillabower/civic-signals-service/internal/geo"
	"github.com/kjstillabower/civic-signals-service/internal/models"
)

// MaxWeeks is the number of buckets per year in a weekly histogram.
const MaxWeeks = 53

// TopViolationsLimit bounds the top violations list of parking stats.
const TopViolationsLimit = 5

// Dated is a record carrying a source timestamp.
type Dated interface {
	Date() string
}

// ParseDate extracts the calendar date from a source timestamp. Sources disagree on
// the time part ("T", space, fractional seconds, offsets), so only the leading
// YYYY-MM-DD is read.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 10 {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s[:10])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// weeksForYear is the divisor used for weekly averages: the full ISO week count for
// completed years, the elapsed weeks for the current (or a future) year.
func weeksForYear(year int, now time.Time) int {
	if year < now.Year() {
		return geo.WeeksInYear(year)
	}
	w := geo.WeekNumber(now)
	switch {
	case now.Month() == time.January && w > 50:
		// early January still belongs to the previous ISO year
		w = 1
	case now.Month() == time.December && w == 1:
		w = geo.WeeksInYear(now.Year())
	}
	if w < 1 {
		w = 1
	}
	return w
}

// ComputeStats builds a snapshot from the two yearly totals.
func ComputeStats(cityID string, year, compareYear, total, previousTotal int, now time.Time) models.StatsSnapshot {
	avg := float64(total) / float64(weeksForYear(year, now))
	prevAvg := float64(previousTotal) / float64(weeksForYear(compareYear, now))

	change := 0.0
	if prevAvg > 0 {
		change = (avg - prevAvg) / prevAvg * 100
	}
	return models.StatsSnapshot{
		Total:              total,
		AvgPerWeek:         round(avg, 1),
		PreviousTotal:      previousTotal,
		PreviousAvgPerWeek: round(prevAvg, 1),
		ChangePercent:      round(change, 1),
		Year:               year,
		CompareYear:        compareYear,
		CityID:             cityID,
	}
}

// StatsFromRecords is ComputeStats over record slices.
func StatsFromRecords[T any](cityID string, current, previous []T, year, compareYear int, now time.Time) models.StatsSnapshot {
	return ComputeStats(cityID, year, compareYear, len(current), len(previous), now)
}

// ComputeParkingStats adds fine aggregates and the top violations of the current year.
func ComputeParkingStats(cityID string, current, previous []models.ParkingCitation, year, compareYear int, now time.Time) models.ParkingStatsSnapshot {
	var totalFine float64
	for _, c := range current {
		totalFine += c.FineAmount
	}
	avgFine := 0.0
	if len(current) > 0 {
		avgFine = totalFine / float64(len(current))
	}
	return models.ParkingStatsSnapshot{
		StatsSnapshot:   StatsFromRecords(cityID, current, previous, year, compareYear, now),
		TotalFineAmount: round(totalFine, 2),
		AvgFineAmount:   round(avgFine, 2),
		TopViolations:   TopViolations(current, TopViolationsLimit),
	}
}

// TopViolations groups citations by description (then code, then "Unknown") and
// returns the n largest groups. Ties keep first-seen order.
func TopViolations(citations []models.ParkingCitation, n int) []models.ViolationCount {
	counts := make(map[string]int)
	var order []string
	for _, c := range citations {
		key := strings.TrimSpace(c.ViolationDesc)
		if key == "" {
			key = strings.TrimSpace(c.Violation)
		}
		if key == "" {
			key = "Unknown"
		}
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}
	out := make([]models.ViolationCount, 0, len(order))
	for _, k := range order {
		out = append(out, models.ViolationCount{Violation: k, Count: counts[k]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ComputeWeeklyHistogram returns a dense 53-bucket series per requested year, in the
// order the years were given. Records outside a requested calendar year are ignored.
func ComputeWeeklyHistogram[T Dated](records []T, years []int) []models.WeeklyDatum {
	out := make([]models.WeeklyDatum, 0, len(years)*MaxWeeks)
	for _, year := range years {
		var buckets [MaxWeeks]int
		for _, r := range records {
			t, ok := ParseDate(r.Date())
			if !ok || t.Year() != year {
				continue
			}
			w := geo.WeekNumber(t)
			if w < 1 || w > MaxWeeks {
				continue
			}
			buckets[w-1]++
		}
		for i, n := range buckets {
			out = append(out, models.WeeklyDatum{Week: i + 1, Year: year, Count: n})
		}
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
