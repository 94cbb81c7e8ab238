package enrich

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP reads a MaxMind City database from disk.
type GeoIP struct {
	reader *geoip2.Reader
}

func NewGeoIP(dbPath string) (*GeoIP, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", dbPath, err)
	}
	return &GeoIP{reader: reader}, nil
}

func (g *GeoIP) Lookup(ip net.IP) (map[string]interface{}, error) {
	record, err := g.reader.City(ip)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if iso := record.Country.IsoCode; iso != "" {
		out["country"] = iso
	}
	if name := record.Country.Names["en"]; name != "" {
		out["country_name"] = name
	}
	if city := record.City.Names["en"]; city != "" {
		out["city"] = city
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		out["latitude"] = record.Location.Latitude
		out["longitude"] = record.Location.Longitude
	}
	if tz := record.Location.TimeZone; tz != "" {
		out["timezone"] = tz
	}
	return out, nil
}

func (g *GeoIP) Close() error {
	return g.reader.Close()
}
