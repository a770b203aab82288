package dto

type IdentityStatsResponse struct {
	Total         int            `json:"total"`
	Confirmed     int            `json:"confirmed"`
	Pending       int            `json:"pending"`
	Active        int            `json:"active"`
	Today         int            `json:"today"`
	Unique        int            `json:"unique"`
	ActiveCameras int            `json:"active_cameras"`
	PerCamera     map[string]int `json:"per_camera"`
	Matches       int            `json:"matches"`
	Created       int            `json:"created"`
	Rejected      int            `json:"rejected"`
}

type IdentityResponse struct {
	ID            string   `json:"id"`
	FirstCamera   string   `json:"first_camera"`
	LastCamera    string   `json:"last_camera"`
	Cameras       []string `json:"cameras"`
	MatchCount    int      `json:"match_count"`
	Confirmed     bool     `json:"confirmed"`
	MaxConfidence float64  `json:"max_confidence"`
	FirstSeen     string   `json:"first_seen"`
	LastActive    string   `json:"last_active"`
}
