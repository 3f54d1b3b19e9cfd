package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// PrivateNetwork is reported for loopback, private and link-local addresses.
const PrivateNetwork = "private network"

var (
	// ErrInvalidIP is returned for addresses that do not parse.
	ErrInvalidIP = errors.New("invalid ip address")
	// ErrLookupFailed wraps provider failures.
	ErrLookupFailed = errors.New("location lookup failed")
)

// Locator derives a human-readable location from a client IP.
type Locator interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// Classify returns PrivateNetwork for non-routable addresses and "" for
// addresses that need a lookup.
func Classify(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return PrivateNetwork, nil
	}
	return "", nil
}

// HTTPLocator queries a JSON geolocation endpoint. Endpoint may contain
// "{ip}"; otherwise the address is appended as a path segment. The response
// must carry any of city, region/regionName and country/country_name.
type HTTPLocator struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration
}

type lookupResponse struct {
	City        string `json:"city"`
	Region      string `json:"region"`
	RegionName  string `json:"regionName"`
	Country     string `json:"country"`
	CountryName string `json:"country_name"`
}

func (l *HTTPLocator) Locate(ctx context.Context, ip string) (string, error) {
	if loc, err := Classify(ip); err != nil || loc != "" {
		return loc, err
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := l.Endpoint
	if strings.Contains(target, "{ip}") {
		target = strings.ReplaceAll(target, "{ip}", url.PathEscape(ip))
	} else {
		target = strings.TrimSuffix(target, "/") + "/" + url.PathEscape(ip)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrLookupFailed, err)
	}
	return body.format(), nil
}

func (r lookupResponse) format() string {
	region := r.Region
	if region == "" {
		region = r.RegionName
	}
	country := r.CountryName
	if country == "" {
		country = r.Country
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{r.City, region, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// CachingLocator memoizes another Locator per IP. Failures are not cached.
type CachingLocator struct {
	next  Locator
	cache *expirable.LRU[string, string]
}

func NewCachingLocator(next Locator, size int, ttl time.Duration) *CachingLocator {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachingLocator{
		next:  next,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (c *CachingLocator) Locate(ctx context.Context, ip string) (string, error) {
	if loc, ok := c.cache.Get(ip); ok {
		return loc, nil
	}
	loc, err := c.next.Locate(ctx, ip)
	if err != nil {
		return "", err
	}
	c.cache.Add(ip, loc)
	return loc, nil
}

// Static answers every lookup with the same location. Private addresses
// still resolve to PrivateNetwork.
type Static string

func (s Static) Locate(_ context.Context, ip string) (string, error) {
	if loc, err := Classify(ip); err != nil || loc != "" {
		return loc, err
	}
	return string(s), nil
}
