package normalize

import (
	"strings"

	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/models"
)

// oaklandRow is a row of the Oakland call center dataset. srx/sry are Web Mercator.
type oaklandRow struct {
	RequestID    string `json:"requestid"`
	DatetimeInit string `json:"datetimeinit"`
	Status       string `json:"status"`
	Description  string `json:"description"`
	ProbAddress  string `json:"probaddress"`
	SRX          string `json:"srx"`
	SRY          string `json:"sry"`
}

func (r oaklandRow) toRequest(cfg cities.CityConfig) (models.DumpingRequest, Reason) {
	id := strings.TrimSpace(r.RequestID)
	if id == "" {
		return models.DumpingRequest{}, ReasonMissingID
	}
	lat, lon, reason := fromStrings(cfg, r.SRX, r.SRY)
	if reason != Accepted {
		return models.DumpingRequest{}, reason
	}
	return models.DumpingRequest{
		ID:           id,
		Lat:          lat,
		Lon:          lon,
		DatetimeInit: r.DatetimeInit,
		Status:       r.Status,
		Description:  r.Description,
		Address:      r.ProbAddress,
		CityID:       cfg.ID,
	}, Accepted
}

// sanFranciscoRow is a row of the SF 311 cases dataset. The point column carries
// [lon, lat]; lat/long strings are a fallback on older rows.
type sanFranciscoRow struct {
	ServiceRequestID  string    `json:"service_request_id"`
	RequestedDatetime string    `json:"requested_datetime"`
	StatusDescription string    `json:"status_description"`
	ServiceDetails    string    `json:"service_details"`
	Address           string    `json:"address"`
	Point             *geoPoint `json:"point"`
	Lat               string    `json:"lat"`
	Long              string    `json:"long"`
}

func (r sanFranciscoRow) toRequest(cfg cities.CityConfig) (models.DumpingRequest, Reason) {
	id := strings.TrimSpace(r.ServiceRequestID)
	if id == "" {
		return models.DumpingRequest{}, ReasonMissingID
	}
	var lat, lon float64
	var reason Reason
	if r.Point != nil {
		lat, lon, reason = r.Point.resolve(cfg)
	} else {
		lat, lon, reason = fromStrings(cfg, r.Long, r.Lat)
	}
	if reason != Accepted {
		return models.DumpingRequest{}, reason
	}
	return models.DumpingRequest{
		ID:           id,
		Lat:          lat,
		Lon:          lon,
		DatetimeInit: r.RequestedDatetime,
		Status:       r.StatusDescription,
		Description:  r.ServiceDetails,
		Address:      r.Address,
		CityID:       cfg.ID,
	}, Accepted
}

// losAngelesRow is a row of the MyLA311 export.
type losAngelesRow struct {
	SRNumber    string `json:"srnumber"`
	CreatedDate string `json:"createddate"`
	Status      string `json:"status"`
	RequestType string `json:"requesttype"`
	Address     string `json:"address"`
	Latitude    string `json:"latitude"`
	Longitude   string `json:"longitude"`
}

func (r losAngelesRow) toRequest(cfg cities.CityConfig) (models.DumpingRequest, Reason) {
	id := strings.TrimSpace(r.SRNumber)
	if id == "" {
		return models.DumpingRequest{}, ReasonMissingID
	}
	lat, lon, reason := fromStrings(cfg, r.Longitude, r.Latitude)
	if reason != Accepted {
		return models.DumpingRequest{}, reason
	}
	return models.DumpingRequest{
		ID:           id,
		Lat:          lat,
		Lon:          lon,
		DatetimeInit: r.CreatedDate,
		Status:       r.Status,
		Description:  r.RequestType,
		Address:      r.Address,
		CityID:       cfg.ID,
	}, Accepted
}
