package cities

import "github.com/kjstillabower/civic-signals-service/internal/geo"

// losAngelesBounds covers the City of Los Angeles. The MyLA311 export has carried
// rows geocoded to other states; they are dropped by this box.
var losAngelesBounds = geo.BoundingBox{MinLat: 33.70, MaxLat: 34.35, MinLon: -118.70, MaxLon: -118.15}

func dumpingCities() []CityConfig {
	la := losAngelesBounds
	return []CityConfig{
		{
			ID:                           Oakland,
			Name:                         "Oakland",
			Domain:                       "data.oaklandca.gov",
			DatasetID:                    "quth-gb8e",
			DateField:                    "datetimeinit",
			Filter:                       "reqcategory='ILLDUMP'",
			Center:                       geo.LatLon{Lat: 37.8044, Lon: -122.2712},
			RequiresCoordinateConversion: true,
		},
		{
			ID:        SanFrancisco,
			Name:      "San Francisco",
			Domain:    "data.sfgov.org",
			DatasetID: "vw6y-z8j6",
			DateField: "requested_datetime",
			Filter:    "service_name='Street and Sidewalk Cleaning' AND service_subtype='Bulky Items'",
			Center:    geo.LatLon{Lat: 37.7749, Lon: -122.4194},
		},
		{
			ID:        LosAngeles,
			Name:      "Los Angeles",
			Domain:    "data.lacity.org",
			DatasetID: "b7dx-7gc3",
			DateField: "createddate",
			Filter:    "requesttype='Illegal Dumping Pickup'",
			Center:    geo.LatLon{Lat: 34.0522, Lon: -118.2437},
			Bounds:    &la,
		},
	}
}

func parkingCities() []ParkingCityConfig {
	return []ParkingCityConfig{
		{CityConfig{
			ID:        SanFrancisco,
			Name:      "San Francisco",
			Domain:    "data.sfgov.org",
			DatasetID: "ab4h-6ztd",
			DateField: "citation_issued_datetime",
			Center:    geo.LatLon{Lat: 37.7749, Lon: -122.4194},
		}},
		{CityConfig{
			ID:                           LosAngeles,
			Name:                         "Los Angeles",
			Domain:                       "data.lacity.org",
			DatasetID:                    "4f5p-udkv",
			DateField:                    "issue_date",
			Center:                       geo.LatLon{Lat: 34.0522, Lon: -118.2437},
			RequiresCoordinateConversion: true,
		}},
	}
}
