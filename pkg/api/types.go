package api

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ServerConfig holds configuration for the API server
type ServerConfig struct {
	Port int
	Bind string
	// APIKey protects /api/v1 when set.
	APIKey      string
	CORSOrigins []string
}

// BandAvailability reports whether a block carries data for one band.
type BandAvailability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	// Bytes is the stored, possibly compressed, payload size.
	Bytes int `json:"bytes"`
}

// BlockResponse describes one stored block.
type BlockResponse struct {
	Cell  uint64             `json:"cell"`
	Z     int                `json:"z"`
	X     int                `json:"x"`
	Y     int                `json:"y"`
	Bands []BandAvailability `json:"bands"`
}
