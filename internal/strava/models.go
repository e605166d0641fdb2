package strava

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StartDateLayout is the format of start_date fields in API responses
const StartDateLayout = "2006-01-02T15:04:05Z"

// ActivitySummary represents an entry of /athlete/activities. Numeric fields
// are pointers so a missing field can be told apart from zero.
type ActivitySummary struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	SportType          string   `json:"sport_type"`
	StartDate          string   `json:"start_date"`
	Distance           *float64 `json:"distance"`             // meters
	MovingTime         *int     `json:"moving_time"`          // seconds
	ElapsedTime        *int     `json:"elapsed_time"`         // seconds
	TotalElevationGain *float64 `json:"total_elevation_gain"` // meters
	AverageSpeed       *float64 `json:"average_speed"`        // m/s
	MaxSpeed           *float64 `json:"max_speed"`            // m/s
}

// DetailedActivity is the subset of /activities/{id} we read
type DetailedActivity struct {
	ID             int64           `json:"id"`
	SegmentEfforts []SegmentEffort `json:"segment_efforts"`
}

// SegmentEffort is one entry of a detailed activity's segment_efforts
type SegmentEffort struct {
	ID               int64           `json:"id"`
	ElapsedTime      int             `json:"elapsed_time"`
	MovingTime       int             `json:"moving_time"`
	StartDate        string          `json:"start_date"`
	Distance         float64         `json:"distance"`
	AverageWatts     *float64        `json:"average_watts"`
	AverageHeartrate *float64        `json:"average_heartrate"`
	MaxHeartrate     *float64        `json:"max_heartrate"`
	KOMRank          *int            `json:"kom_rank"`
	PRRank           *int            `json:"pr_rank"`
	Segment          *SegmentSummary `json:"segment"`
}

// SegmentSummary is the segment embedded in an effort
type SegmentSummary struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ActivityType  string    `json:"activity_type"`
	Distance      float64   `json:"distance"`
	AverageGrade  float64   `json:"average_grade"`
	MaximumGrade  float64   `json:"maximum_grade"`
	ElevationHigh float64   `json:"elevation_high"`
	ElevationLow  float64   `json:"elevation_low"`
	StartLatLng   []float64 `json:"start_latlng"`
	EndLatLng     []float64 `json:"end_latlng"`
	ClimbCategory int       `json:"climb_category"`
	City          string    `json:"city"`
	State         string    `json:"state"`
	Country       string    `json:"country"`
	Private       bool      `json:"private"`
	Hazardous     bool      `json:"hazardous"`
}

// Streams maps a channel name (time, watts, heartrate...) to its samples
type Streams map[string][]float64

// Len returns the number of samples in the time channel
func (s Streams) Len() int {
	return len(s["time"])
}

// Has reports whether channel is present and non-empty
func (s Streams) Has(channel string) bool {
	return len(s[channel]) > 0
}

// StreamData represents a single stream in the API response
type StreamData struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	SeriesType   string          `json:"series_type"`
	OriginalSize int             `json:"original_size"`
	Resolution   string          `json:"resolution"`
}

// decodeStreams accepts both the list form and the key_by_type object form.
// Null samples become 0. Channels whose samples are not scalars (latlng) are
// skipped.
func decodeStreams(body []byte) (Streams, error) {
	body = bytes.TrimSpace(body)
	var list []StreamData

	switch {
	case len(body) > 0 && body[0] == '[':
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decoding stream list: %w", err)
		}
	case len(body) > 0 && body[0] == '{':
		var byType map[string]StreamData
		if err := json.Unmarshal(body, &byType); err != nil {
			return nil, fmt.Errorf("decoding stream map: %w", err)
		}
		for k, v := range byType {
			if v.Type == "" {
				v.Type = k
			}
			list = append(list, v)
		}
	default:
		return nil, fmt.Errorf("unexpected stream payload")
	}

	out := make(Streams, len(list))
	for _, sd := range list {
		var raw []*float64
		if err := json.Unmarshal(sd.Data, &raw); err != nil {
			continue
		}
		vals := make([]float64, len(raw))
		for i, v := range raw {
			if v != nil {
				vals[i] = *v
			}
		}
		out[sd.Type] = vals
	}
	return out, nil
}
