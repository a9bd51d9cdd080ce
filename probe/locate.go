package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/yllada/vpn-core/common"
)

// Location is the client's approximate position.
type Location struct {
	Country        string  `json:"country"`
	CountryCode    string  `json:"country_code"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	HasCoordinates bool    `json:"has_coordinates"`
}

// Locator finds the client's location. Failures wrap ErrLocationUnavailable.
type Locator interface {
	Locate(ctx context.Context) (*Location, error)
}

// HTTPLocator queries an ip-api compatible geolocation endpoint.
type HTTPLocator struct {
	URL    string
	Client *http.Client
}

// NewHTTPLocator returns a locator for url with a short timeout.
func NewHTTPLocator(url string) *HTTPLocator {
	return &HTTPLocator{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// geoResponse accepts both the ip-api field names and the
// snake_case variants used by most other lookup services.
type geoResponse struct {
	Status       string   `json:"status"`
	Message      string   `json:"message"`
	Country      string   `json:"country"`
	CountryName  string   `json:"country_name"`
	CountryCode  string   `json:"countryCode"`
	CountryCode2 string   `json:"country_code"`
	Lat          *float64 `json:"lat"`
	Lon          *float64 `json:"lon"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
}

// Locate performs the lookup.
func (l *HTTPLocator) Locate(ctx context.Context) (*Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrLocationUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrLocationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: lookup returned %s", common.ErrLocationUnavailable, resp.Status)
	}

	var body geoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrLocationUnavailable, err)
	}
	if body.Status != "" && body.Status != "success" {
		return nil, fmt.Errorf("%w: %s", common.ErrLocationUnavailable, body.Message)
	}

	loc := &Location{
		Country:     firstNonEmpty(body.Country, body.CountryName),
		CountryCode: strings.ToUpper(firstNonEmpty(body.CountryCode, body.CountryCode2)),
	}
	lat, lon := firstFloat(body.Lat, body.Latitude), firstFloat(body.Lon, body.Longitude)
	if lat != nil && lon != nil {
		loc.Latitude, loc.Longitude, loc.HasCoordinates = *lat, *lon, true
	}
	if loc.Country == "" && loc.CountryCode == "" && !loc.HasCoordinates {
		return nil, fmt.Errorf("%w: empty lookup response", common.ErrLocationUnavailable)
	}
	return loc, nil
}

// MMDBLocator resolves the client's public address and looks it up in a
// local MaxMind GeoLite2/GeoIP2 City database.
type MMDBLocator struct {
	DatabasePath string
	PublicIPURL  string
	Client       *http.Client
}

// NewMMDBLocator returns an offline locator backed by the database at path.
func NewMMDBLocator(path, publicIPURL string) *MMDBLocator {
	return &MMDBLocator{
		DatabasePath: path,
		PublicIPURL:  publicIPURL,
		Client:       &http.Client{Timeout: 5 * time.Second},
	}
}

type mmdbCity struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// Locate performs the lookup.
func (l *MMDBLocator) Locate(ctx context.Context) (*Location, error) {
	reader, err := maxminddb.Open(l.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open geoip database: %v", common.ErrLocationUnavailable, err)
	}
	defer reader.Close()

	ip, err := l.publicIP(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrLocationUnavailable, err)
	}

	var rec mmdbCity
	if err := reader.Lookup(ip, &rec); err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %v", common.ErrLocationUnavailable, ip, err)
	}
	if rec.Country.ISOCode == "" {
		return nil, fmt.Errorf("%w: %s not in database", common.ErrLocationUnavailable, ip)
	}

	return &Location{
		Country:        rec.Country.Names["en"],
		CountryCode:    strings.ToUpper(rec.Country.ISOCode),
		Latitude:       rec.Location.Latitude,
		Longitude:      rec.Location.Longitude,
		HasCoordinates: rec.Location.Latitude != 0 || rec.Location.Longitude != 0,
	}, nil
}

func (l *MMDBLocator) publicIP(ctx context.Context) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.PublicIPURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(strings.TrimSpace(string(data)))
	if ip == nil {
		return nil, fmt.Errorf("public ip service returned %q", strings.TrimSpace(string(data)))
	}
	return ip, nil
}

// Chain tries each locator in order and returns the first success.
type Chain []Locator

// Locate performs the lookup.
func (c Chain) Locate(ctx context.Context) (*Location, error) {
	var errs []error
	for _, l := range c {
		loc, err := l.Locate(ctx)
		if err == nil {
			return loc, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no locator configured", common.ErrLocationUnavailable)
	}
	return nil, errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
