package normalize

import (
	"strings"

	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/models"
)

// sfParkingRow is a row of the SFMTA parking citations dataset.
type sfParkingRow struct {
	CitationNumber         string    `json:"citation_number"`
	CitationIssuedDatetime string    `json:"citation_issued_datetime"`
	Violation              string    `json:"violation"`
	ViolationDesc          string    `json:"violation_desc"`
	CitationLocation       string    `json:"citation_location"`
	FineAmount             string    `json:"fine_amount"`
	Geom                   *geoPoint `json:"the_geom"`
	Neighborhood           string    `json:"analysis_neighborhood"`
}

func (r sfParkingRow) toCitation(cfg cities.CityConfig) (models.ParkingCitation, Reason) {
	id := strings.TrimSpace(r.CitationNumber)
	if id == "" {
		return models.ParkingCitation{}, ReasonMissingID
	}
	lat, lon, reason := r.Geom.resolve(cfg)
	if reason != Accepted {
		return models.ParkingCitation{}, reason
	}
	return models.ParkingCitation{
		ID:            id,
		Lat:           lat,
		Lon:           lon,
		IssueDate:     r.CitationIssuedDatetime,
		Violation:     r.Violation,
		ViolationDesc: r.ViolationDesc,
		FineAmount:    parseFine(r.FineAmount),
		Location:      r.CitationLocation,
		Neighborhood:  r.Neighborhood,
		CityID:        cfg.ID,
	}, Accepted
}

// laParkingRow is a row of the LADOT citations dataset. loc_long/loc_lat hold
// Web Mercator easting/northing; 99999 marks a missing location.
type laParkingRow struct {
	TicketNumber         string `json:"ticket_number"`
	IssueDate            string `json:"issue_date"`
	ViolationCode        string `json:"violation_code"`
	ViolationDescription string `json:"violation_description"`
	Location             string `json:"location"`
	FineAmount           string `json:"fine_amount"`
	LocLat               string `json:"loc_lat"`
	LocLong              string `json:"loc_long"`
	Agency               string `json:"agency"`
	MeterID              string `json:"meter_id"`
}

func (r laParkingRow) toCitation(cfg cities.CityConfig) (models.ParkingCitation, Reason) {
	id := strings.TrimSpace(r.TicketNumber)
	if id == "" {
		return models.ParkingCitation{}, ReasonMissingID
	}
	lat, lon, reason := fromStrings(cfg, r.LocLong, r.LocLat)
	if reason != Accepted {
		return models.ParkingCitation{}, reason
	}
	meter := ""
	if strings.TrimSpace(r.MeterID) != "" {
		meter = "Y"
	}
	return models.ParkingCitation{
		ID:             id,
		Lat:            lat,
		Lon:            lon,
		IssueDate:      r.IssueDate,
		Violation:      r.ViolationCode,
		ViolationDesc:  r.ViolationDescription,
		FineAmount:     parseFine(r.FineAmount),
		Location:       r.Location,
		Agency:         r.Agency,
		MeterIndicator: meter,
		CityID:         cfg.ID,
	}, Accepted
}
