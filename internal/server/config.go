package server

// Config holds the HTTP facade settings.
type Config struct {
	Addr string
	// ImageRoot is the only directory image_path may read from. Empty
	// disables image_path; requests must send image_base64.
	ImageRoot       string
	CacheTTLSeconds int
	MaxBodyBytes    int64
	TLSCertPath     string
	TLSKeyPath      string
}

// DefaultConfig returns the default facade configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		CacheTTLSeconds: 300,
		MaxBodyBytes:    10 * 1024 * 1024,
	}
}
