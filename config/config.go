package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type EmbeddingConfig struct {
	Provider          string
	Model             string
	Dimension         int
	BatchSize         int
	RequestsPerSecond float64
	Timeout           time.Duration
}

type LLMConfig struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxAttempts int
}

type OCRConfig struct {
	Provider string
	Model    string
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	DefaultTopK         int
	MaxTopK             int
	GlobalMinSimilarity float64
	LocalMinSimilarity  float64
	Timeout             time.Duration
}

type IngestionConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxFileSize    int64

	FetchAllowedHosts []string
	FetchAllowPrivate bool
}

type SessionConfig struct {
	TTL        time.Duration
	MaxEntries int
}

type Config struct {
	StoreDriver string
	PostgresDSN string
	SQLitePath  string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	BlobDir    string
	BlobSecret string
	HTTPAddr   string
	Verbose    bool

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string

	Embeddings EmbeddingConfig
	LLM        LLMConfig
	OCR        OCRConfig
	Chunking   ChunkingConfig
	Retrieval  RetrievalConfig
	Ingestion  IngestionConfig
	Sessions   SessionConfig
}

// Load reads configuration from the environment, after loading a .env file
// when one is present in the working directory.
func Load() Config {
	_ = godotenv.Load()
	return fromViper(newViper())
}

// LoadFile reads a YAML configuration file. Environment variables still take
// precedence over values from the file.
func LoadFile(path string) (Config, error) {
	_ = godotenv.Load()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return fromViper(v), nil
}

// MinBlobSecretLength is the shortest blob.secret accepted when serving.
const MinBlobSecretLength = 16

// ErrWeakBlobSecret reports a blob.secret that cannot protect presigned URLs.
var ErrWeakBlobSecret = errors.New("blob.secret must be set to a random value")

// ValidateServe checks the settings the HTTP server depends on. Presigned
// blob URLs are signed with BlobSecret, so a missing or placeholder secret
// would let anyone mint download links.
func (c Config) ValidateServe() error {
	secret := strings.TrimSpace(c.BlobSecret)
	if secret == "" || secret == "change-me" || len(secret) < MinBlobSecretLength {
		return fmt.Errorf("%w (at least %d characters, set BLOB_SECRET)", ErrWeakBlobSecret, MinBlobSecretLength)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", StorePostgres)
	v.SetDefault("postgres.dsn", "postgres://localhost:5432/sales-rag?sslmode=disable")
	v.SetDefault("sqlite.path", "sales-rag.db")
	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")

	v.SetDefault("blob.dir", "data/blobs")
	v.SetDefault("blob.secret", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.verbose", false)

	v.SetDefault("ollama.host", "http://localhost:11434")
	v.SetDefault("openai.api.key", "")
	v.SetDefault("openai.base.url", "")
	v.SetDefault("gemini.api.key", "")

	v.SetDefault("embeddings.provider", ProviderOllama)
	v.SetDefault("embeddings.model", "nomic-embed-text")
	v.SetDefault("embeddings.dimension", 768)
	v.SetDefault("embeddings.batch.size", 100)
	v.SetDefault("embeddings.rps", 10.0)
	v.SetDefault("embeddings.timeout", 30*time.Second)

	v.SetDefault("llm.provider", ProviderOllama)
	v.SetDefault("llm.model", "llama3.1:8b")
	v.SetDefault("llm.max.tokens", 1024)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max.attempts", 3)
	v.SetDefault("ocr.provider", "")
	v.SetDefault("ocr.model", "gemini-1.5-flash")

	v.SetDefault("chunk.size", 1024)
	v.SetDefault("chunk.overlap", 256)

	v.SetDefault("retrieval.topk", 5)
	v.SetDefault("retrieval.max.topk", 50)
	v.SetDefault("retrieval.global.min.similarity", 0.5)
	v.SetDefault("retrieval.local.min.similarity", 0.4)
	v.SetDefault("retrieval.timeout", 10*time.Second)

	v.SetDefault("ingestion.timeout", 10*time.Minute)
	v.SetDefault("ingestion.max.attempts", 3)
	v.SetDefault("ingestion.initial.backoff", 500*time.Millisecond)
	v.SetDefault("ingestion.max.file.size", int64(50*1024*1024))
	v.SetDefault("ingestion.fetch.allowed.hosts", []string{})
	v.SetDefault("ingestion.fetch.allow.private", false)

	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.max.entries", 1000)
	return v
}

func fromViper(v *viper.Viper) Config {
	return Config{
		StoreDriver: strings.ToLower(v.GetString("store.driver")),
		PostgresDSN: v.GetString("postgres.dsn"),
		SQLitePath:  v.GetString("sqlite.path"),
		Neo4jURI:    v.GetString("neo4j.uri"),
		Neo4jUser:   v.GetString("neo4j.username"),
		Neo4jPass:   v.GetString("neo4j.password"),

		BlobDir:    v.GetString("blob.dir"),
		BlobSecret: v.GetString("blob.secret"),
		HTTPAddr:   v.GetString("http.addr"),
		Verbose:    v.GetBool("log.verbose"),

		OllamaHost:    v.GetString("ollama.host"),
		OpenAIAPIKey:  v.GetString("openai.api.key"),
		OpenAIBaseURL: v.GetString("openai.base.url"),
		GeminiAPIKey:  v.GetString("gemini.api.key"),

		Embeddings: EmbeddingConfig{
			Provider:          strings.ToLower(v.GetString("embeddings.provider")),
			Model:             v.GetString("embeddings.model"),
			Dimension:         v.GetInt("embeddings.dimension"),
			BatchSize:         v.GetInt("embeddings.batch.size"),
			RequestsPerSecond: v.GetFloat64("embeddings.rps"),
			Timeout:           v.GetDuration("embeddings.timeout"),
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(v.GetString("llm.provider")),
			Model:       v.GetString("llm.model"),
			MaxTokens:   v.GetInt("llm.max.tokens"),
			Temperature: v.GetFloat64("llm.temperature"),
			Timeout:     v.GetDuration("llm.timeout"),
			MaxAttempts: v.GetInt("llm.max.attempts"),
		},
		OCR: OCRConfig{
			Provider: strings.ToLower(v.GetString("ocr.provider")),
			Model:    v.GetString("ocr.model"),
		},
		Chunking: ChunkingConfig{
			Size:    v.GetInt("chunk.size"),
			Overlap: v.GetInt("chunk.overlap"),
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:         v.GetInt("retrieval.topk"),
			MaxTopK:             v.GetInt("retrieval.max.topk"),
			GlobalMinSimilarity: v.GetFloat64("retrieval.global.min.similarity"),
			LocalMinSimilarity:  v.GetFloat64("retrieval.local.min.similarity"),
			Timeout:             v.GetDuration("retrieval.timeout"),
		},
		Ingestion: IngestionConfig{
			Timeout:        v.GetDuration("ingestion.timeout"),
			MaxAttempts:    v.GetInt("ingestion.max.attempts"),
			InitialBackoff: v.GetDuration("ingestion.initial.backoff"),
			MaxFileSize:    v.GetInt64("ingestion.max.file.size"),

			FetchAllowedHosts: v.GetStringSlice("ingestion.fetch.allowed.hosts"),
			FetchAllowPrivate: v.GetBool("ingestion.fetch.allow.private"),
		},
		Sessions: SessionConfig{
			TTL:        v.GetDuration("session.ttl"),
			MaxEntries: v.GetInt("session.max.entries"),
		},
	}
}
