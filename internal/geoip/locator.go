// Package geoip resolves IP addresses to a coarse location using a MaxMind
// City database. It only enriches alert notifications; detection itself
// relies on client-reported coordinates.
package geoip

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"authwatch/sharing-api/internal/domain"
)

// ErrInvalidIP is returned for addresses that do not parse.
var ErrInvalidIP = errors.New("invalid ip address")

// Locator looks IPs up in an open City database.
type Locator struct {
	city *geoip2.Reader
}

// Open opens the .mmdb City database at path.
func Open(path string) (*Locator, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open city database: %w", err)
	}
	return &Locator{city: r}, nil
}

// Close releases the database.
func (l *Locator) Close() error {
	if l.city == nil {
		return nil
	}
	return l.city.Close()
}

// Lookup returns the location recorded for ip.
func (l *Locator) Lookup(ip string) (*domain.IPLocation, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	rec, err := l.city.City(addr)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", ip, err)
	}
	return &domain.IPLocation{
		Country:   rec.Country.IsoCode,
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}, nil
}
