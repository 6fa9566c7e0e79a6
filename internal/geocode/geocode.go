package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/errand-dispatch/internal/geo"
	"github.com/example/errand-dispatch/internal/models"
)

// Client resolves free-text addresses against an external geocoding HTTP
// service. It returns coordinates or failure; nothing in the core depends on
// it, the edge calls it before a job document is created.
type Client struct {
	Endpoint string
	HTTP     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint, HTTP: &http.Client{Timeout: 3 * time.Second}}
}

// Lookup resolves address to a GeoPoint. An empty result set or an invalid
// coordinate from the provider is a failure, never a (0,0) point.
func (c *Client) Lookup(ctx context.Context, address string) (models.GeoPoint, error) {
	u := fmt.Sprintf("%s/search?q=%s&format=json&limit=1", c.Endpoint, url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.GeoPoint{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return models.GeoPoint{}, err
	}
	defer resp.Body.Close()
	var out []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.GeoPoint{}, err
	}
	if len(out) == 0 {
		return models.GeoPoint{}, fmt.Errorf("no result for %q", address)
	}
	var p models.GeoPoint
	if _, err := fmt.Sscanf(out[0].Lat, "%f", &p.Lat); err != nil {
		return models.GeoPoint{}, fmt.Errorf("bad latitude %q", out[0].Lat)
	}
	if _, err := fmt.Sscanf(out[0].Lon, "%f", &p.Lon); err != nil {
		return models.GeoPoint{}, fmt.Errorf("bad longitude %q", out[0].Lon)
	}
	if !geo.ValidPoint(p) {
		return models.GeoPoint{}, fmt.Errorf("provider returned invalid coordinate (%f, %f)", p.Lat, p.Lon)
	}
	return p, nil
}
