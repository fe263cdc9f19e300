package geoip

import (
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// Provider wraps the GeoIP2 database reader to provide location lookups.
type Provider struct {
	db *geoip2.Reader
}

// Location is the geographic position of a server as far as the database
// knows it. The zero value means "unknown" and is a valid fallback.
type Location struct {
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Open initializes the GeoIP database reader from a specific file path.
func Open(path string) (*Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}

	return &Provider{db: db}, nil
}

// Close closes the underlying GeoIP database reader.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Locate looks up the ISO country code and coordinates for an IP address.
// It returns the zero Location if the address cannot be resolved.
func (p *Provider) Locate(ip netip.Addr) Location {
	if !ip.IsValid() {
		return Location{}
	}

	record, err := p.db.City(net.IP(ip.AsSlice()))
	if err != nil {
		return Location{}
	}

	return Location{
		Country:   record.Country.IsoCode,
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}
}
