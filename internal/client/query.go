package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/geo"
)

// RadiusFilter keeps records within Km of Center. Applied after normalization.
type RadiusFilter struct {
	Center geo.LatLon
	Km     float64
}

// Query selects a page of records. Year 0 means all years.
type Query struct {
	Year   int
	Limit  int
	Offset int
	Radius *RadiusFilter
}

// BuildWhere combines the dataset's category predicate with an optional year
// predicate. It returns "" when there is nothing to filter on.
func BuildWhere(cfg cities.CityConfig, year int) string {
	var clauses []string
	if f := strings.TrimSpace(cfg.Filter); f != "" {
		clauses = append(clauses, "("+f+")")
	}
	if year > 0 {
		clauses = append(clauses, fmt.Sprintf("date_extract_y(%s) = %d", cfg.DateField, year))
	}
	return strings.Join(clauses, " AND ")
}

// pageParams builds the $where/$limit/$offset/$order parameters of a page query.
func pageParams(cfg cities.CityConfig, year, limit, offset int, order string) url.Values {
	v := url.Values{}
	if where := BuildWhere(cfg, year); where != "" {
		v.Set("$where", where)
	}
	v.Set("$limit", strconv.Itoa(limit))
	v.Set("$offset", strconv.Itoa(offset))
	v.Set("$order", order)
	return v
}

// countParams builds a count(*) query for the dataset and year.
func countParams(cfg cities.CityConfig, year int) url.Values {
	v := url.Values{}
	v.Set("$select", "count(*) AS count")
	if where := BuildWhere(cfg, year); where != "" {
		v.Set("$where", where)
	}
	return v
}
