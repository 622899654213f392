package models

// WeeklyDatum is one bucket of a weekly histogram.
type WeeklyDatum struct {
	Week  int `json:"week"`
	Year  int `json:"year"`
	Count int `json:"count"`
}

// StatsSnapshot compares a year against a comparison year.
type StatsSnapshot struct {
	Total              int     `json:"total"`
	AvgPerWeek         float64 `json:"avgPerWeek"`
	PreviousTotal      int     `json:"previousTotal"`
	PreviousAvgPerWeek float64 `json:"previousAvgPerWeek"`
	ChangePercent      float64 `json:"changePercent"`
	Year               int     `json:"year"`
	CompareYear        int     `json:"compareYear"`
	CityID             string  `json:"cityId"`
}

// ViolationCount is one entry of the top violations list.
type ViolationCount struct {
	Violation string `json:"violation"`
	Count     int    `json:"count"`
}

// ParkingStatsSnapshot extends StatsSnapshot with fine aggregates.
type ParkingStatsSnapshot struct {
	StatsSnapshot
	TotalFineAmount float64          `json:"totalFineAmount"`
	AvgFineAmount   float64          `json:"avgFineAmount"`
	TopViolations   []ViolationCount `json:"topViolations"`
}
