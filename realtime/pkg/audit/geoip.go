package audit

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoResolver maps an IP to an ISO country code.
type GeoResolver interface {
	Country(ip net.IP) (string, error)
}

// MaxMind resolves countries from a GeoLite2 or GeoIP2 Country/City
// database.
type MaxMind struct {
	reader *geoip2.Reader
}

func OpenMaxMind(path string) (*MaxMind, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMind{reader: r}, nil
}

func (m *MaxMind) Country(ip net.IP) (string, error) {
	rec, err := m.reader.Country(ip)
	if err != nil {
		return "", err
	}
	return rec.Country.IsoCode, nil
}

func (m *MaxMind) Close() error {
	return m.reader.Close()
}
