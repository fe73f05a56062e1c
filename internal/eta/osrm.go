package eta

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Route queries OSRM between points and returns distance/duration.
func (o *OSRMClient) Route(from, to models.Coord) (models.RouteEstimate, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	resp, err := o.Client.Get(url)
	if err != nil {
		return models.RouteEstimate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.RouteEstimate{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"` // meters
			Duration float64 `json:"duration"` // seconds
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteEstimate{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.RouteEstimate{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	return models.RouteEstimate{
		DistanceKm:  r.Distance / 1000.0,
		DurationMin: int(math.Ceil(r.Duration / 60.0)),
	}, nil
}
