package main

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type config struct {
	ListenAddr         string
	DBPath             string
	VectorDim          int
	MaxFacts           int
	MaxEpisodes        int
	CacheEntries       int64
	QuarantineCorrupt  bool
	ConsolidationEvery time.Duration
	ConsolidationTag   string
	SummaryWindow      int
	DistillDir         string
	OpenAIKey          string
	OpenAIBaseURL      string
	ChatModel          string
	EmbeddingModel     string
}

// loadConfig reads the environment, after merging an optional .env file.
func loadConfig() config {
	_ = godotenv.Load()

	return config{
		ListenAddr:         getenv("ENGRAM_LISTEN_ADDR", ":8080"),
		DBPath:             getenv("ENGRAM_DB_PATH", "engram.db"),
		VectorDim:          getenvInt("ENGRAM_VECTOR_DIM", 1536),
		MaxFacts:           getenvInt("ENGRAM_MAX_FACTS", 10000),
		MaxEpisodes:        getenvInt("ENGRAM_MAX_EPISODES", 0),
		CacheEntries:       int64(getenvInt("ENGRAM_CACHE_ENTRIES", 10000)),
		QuarantineCorrupt:  getenvBool("ENGRAM_QUARANTINE_CORRUPT", false),
		ConsolidationEvery: getenvDuration("ENGRAM_CONSOLIDATION_EVERY", time.Hour),
		ConsolidationTag:   getenv("ENGRAM_CONSOLIDATION_TAG", "daily"),
		SummaryWindow:      getenvInt("ENGRAM_SUMMARY_WINDOW", 200),
		DistillDir:         getenv("ENGRAM_DISTILL_DIR", "distill"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		ChatModel:          getenv("ENGRAM_CHAT_MODEL", "gpt-4o-mini"),
		EmbeddingModel:     getenv("ENGRAM_EMBEDDING_MODEL", "text-embedding-3-small"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
