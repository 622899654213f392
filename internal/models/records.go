package models

// DumpingRequest is the canonical illegal-dumping 311 record.
type DumpingRequest struct {
	ID           string  `json:"id"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	DatetimeInit string  `json:"datetimeinit"`
	Status       string  `json:"status"`
	Description  string  `json:"description"`
	Address      string  `json:"address"`
	CityID       string  `json:"cityId,omitempty"`
}

// Coordinates returns the record position in WGS84 degrees.
func (r DumpingRequest) Coordinates() (lat, lon float64) { return r.Lat, r.Lon }

// Date returns the raw source timestamp.
func (r DumpingRequest) Date() string { return r.DatetimeInit }

// ParkingCitation is the canonical parking citation record.
type ParkingCitation struct {
	ID             string  `json:"id"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	IssueDate      string  `json:"issueDate"`
	Violation      string  `json:"violation"`
	ViolationDesc  string  `json:"violationDesc"`
	FineAmount     float64 `json:"fineAmount"`
	Location       string  `json:"location"`
	Neighborhood   string  `json:"neighborhood,omitempty"`
	Agency         string  `json:"agency,omitempty"`
	MeterIndicator string  `json:"meterIndicator,omitempty"`
	CityID         string  `json:"cityId,omitempty"`
}

// Coordinates returns the record position in WGS84 degrees.
func (c ParkingCitation) Coordinates() (lat, lon float64) { return c.Lat, c.Lon }

// Date returns the raw source issue timestamp.
func (c ParkingCitation) Date() string { return c.IssueDate }

// CountResult is returned by count-only upstream queries.
type CountResult struct {
	CityID string `json:"cityId"`
	Year   int    `json:"year,omitempty"`
	Count  int    `json:"count"`
}
