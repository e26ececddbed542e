// Package config assembles runtime configuration from the environment and
// performs the startup capability probes. Components receive their mode
// (live or degraded) explicitly at construction; nothing flips global flags
// later.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Backend names accepted in LEXRAG_INDEX_BACKEND.
const (
	BackendFlatFile = "flatfile"
	BackendQdrant   = "qdrant"
)

// Config is the resolved runtime configuration.
type Config struct {
	DataDir    string
	UploadsDir string
	HTTPAddr   string

	IndexBackend     string
	IndexPath        string
	QdrantHost       string
	QdrantPort       int
	QdrantCollection string

	ChunkTargetSize int
	ChunkMinLength  int

	QueryTimeout time.Duration

	// DemoExtractor substitutes canned legal text for real PDF decoding.
	// Only for development environments without documents; never implied.
	DemoExtractor bool
}

// FromEnv reads configuration from the environment, applying defaults.
func FromEnv() *Config {
	dataDir := getEnv("LEXRAG_DATA_DIR", "./data")
	return &Config{
		DataDir:    dataDir,
		UploadsDir: getEnv("LEXRAG_UPLOADS_DIR", filepath.Join(dataDir, "uploads")),
		HTTPAddr:   getEnv("LEXRAG_HTTP_ADDR", ":8080"),

		IndexBackend:     getEnv("LEXRAG_INDEX_BACKEND", BackendFlatFile),
		IndexPath:        getEnv("LEXRAG_INDEX_PATH", filepath.Join(dataDir, "vector_store", "index.gob")),
		QdrantHost:       getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:       getEnvInt("QDRANT_PORT", 6334),
		QdrantCollection: getEnv("LEXRAG_COLLECTION", ""),

		ChunkTargetSize: getEnvInt("LEXRAG_CHUNK_SIZE", 0),
		ChunkMinLength:  getEnvInt("LEXRAG_CHUNK_MIN", 0),

		QueryTimeout: time.Duration(getEnvInt("LEXRAG_QUERY_TIMEOUT_SECS", 15)) * time.Second,

		DemoExtractor: getEnvBool("LEXRAG_DEMO_EXTRACTOR", false),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultValue
}
