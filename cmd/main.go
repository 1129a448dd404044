package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"gorm.io/gorm"

	"tidbrag/internal/db"
	"tidbrag/internal/logging"
	cfgPkg "tidbrag/pkg/config"
	"tidbrag/pkg/history"
	"tidbrag/pkg/llm"
	"tidbrag/pkg/loader"
	"tidbrag/pkg/splitter"
	"tidbrag/pkg/store"
	"tidbrag/server"
)

type Config struct {
	BaseURL      string
	DSN          string
	Model        string
	EmbedModel   string
	VectorTable  string
	HistoryTable string
	VectorDim    int
	BatchSize    int
	Distance     string
	ChunkSize    int
	Session      string
	LoadQuery    string
	ContentCols  string
	MetaCols     string
	Serve        bool
	Addr         string
	VectorIndex  bool
	EmbedRate    float64
	SearchLimit  int
	MaxTokens    int
	Streaming    bool
	Temperature  float64
}

func main() {
	godotenv.Load()

	config, err := parseFlags()
	if err != nil {
		log.Fatal(err)
	}

	if err := run(config); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() (Config, error) {
	var config Config
	var configPath string

	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&config.BaseURL, "ollama-url", envOr("OLLAMA_BASE_URL", "http://localhost:11434"), "Ollama server URL")
	flag.StringVar(&config.DSN, "dsn", os.Getenv("TIDB_DSN"), "TiDB connection string")
	flag.StringVar(&config.Model, "model", "mistral", "LLM model to use")
	flag.StringVar(&config.EmbedModel, "embed-model", "nomic-embed-text:latest", "Embedding model to use")
	flag.StringVar(&config.VectorTable, "table", "embedded_documents", "Vector store table name")
	flag.StringVar(&config.HistoryTable, "history-table", "message_store", "Chat history table name")
	flag.IntVar(&config.VectorDim, "vector-dim", 768, "Vector dimension")
	flag.IntVar(&config.BatchSize, "batch-size", 100, "Batch size for database operations")
	flag.StringVar(&config.Distance, "distance", "cosine", "Distance metric (cosine or l2)")
	flag.IntVar(&config.ChunkSize, "chunk-size", 1000, "Size of text chunks")
	flag.StringVar(&config.Session, "session", "", "Chat session id (new one when empty)")
	flag.StringVar(&config.LoadQuery, "load-query", "", "SQL query to load documents from")
	flag.StringVar(&config.ContentCols, "content-cols", "", "Comma-separated content columns for -load-query")
	flag.StringVar(&config.MetaCols, "meta-cols", "", "Comma-separated metadata columns for -load-query")
	flag.BoolVar(&config.VectorIndex, "vector-index", false, "Create a vector index on the store table")
	flag.Float64Var(&config.EmbedRate, "embed-rate", 0, "Embedding batches per second (0 = unlimited)")
	flag.BoolVar(&config.Serve, "serve", false, "Run the WebSocket chat server")
	flag.StringVar(&config.Addr, "addr", ":8080", "WebSocket server address")
	flag.IntVar(&config.SearchLimit, "k", 5, "Number of documents to retrieve per query")
	flag.IntVar(&config.MaxTokens, "max-tokens", 2000, "Maximum tokens for LLM response")
	flag.BoolVar(&config.Streaming, "stream", true, "Enable streaming responses")
	flag.Float64Var(&config.Temperature, "temperature", 0.7, "Set the LLM Temperature")
	flag.Parse()

	if configPath == "" {
		return config, nil
	}

	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return config, fmt.Errorf("failed to load config file: %v", err)
	}

	// Flags and env win over the file: file values only fill in what was
	// not set explicitly on the command line. LoadConfig already merges env
	// over the file for the env-backed fields.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["ollama-url"] {
		config.BaseURL = cfg.LLM.BaseURL
	}
	if !set["dsn"] {
		config.DSN = cfg.Database.DSN
	}
	if !set["model"] {
		config.Model = cfg.LLM.Model
	}
	if !set["embed-model"] {
		config.EmbedModel = cfg.LLM.EmbedModel
	}
	if !set["max-tokens"] {
		config.MaxTokens = cfg.LLM.MaxTokens
	}
	if !set["temperature"] {
		config.Temperature = cfg.LLM.Temperature
	}
	if !set["table"] {
		config.VectorTable = cfg.Database.VectorTable
	}
	if !set["history-table"] {
		config.HistoryTable = cfg.Database.HistoryTable
	}
	if !set["vector-dim"] {
		config.VectorDim = cfg.Database.VectorDim
	}
	if !set["distance"] {
		config.Distance = cfg.Database.Distance
	}
	if !set["batch-size"] {
		config.BatchSize = cfg.Database.BatchSize
	}
	if !set["vector-index"] {
		config.VectorIndex = cfg.Database.CreateVectorIndex
	}
	if !set["embed-rate"] {
		config.EmbedRate = cfg.Database.EmbedRate
	}
	if !set["chunk-size"] {
		config.ChunkSize = cfg.Splitter.ChunkSize
	}
	if !set["stream"] {
		config.Streaming = cfg.UI.Streaming
	}
	if !set["content-cols"] && len(cfg.Loader.ContentColumns) > 0 {
		config.ContentCols = strings.Join(cfg.Loader.ContentColumns, ",")
	}
	if !set["meta-cols"] && len(cfg.Loader.MetadataColumns) > 0 {
		config.MetaCols = strings.Join(cfg.Loader.MetadataColumns, ",")
	}

	return config, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// validateConfig runs the shared field validation over the assembled flags
// before anything touches the network or the database.
func validateConfig(config Config) error {
	var cfg cfgPkg.Config
	cfg.LLM.BaseURL = config.BaseURL
	cfg.LLM.Model = config.Model
	cfg.LLM.EmbedModel = config.EmbedModel
	cfg.LLM.MaxTokens = config.MaxTokens
	cfg.LLM.Temperature = config.Temperature
	cfg.Database.DSN = config.DSN
	cfg.Database.VectorTable = config.VectorTable
	cfg.Database.HistoryTable = config.HistoryTable
	cfg.Database.VectorDim = config.VectorDim
	cfg.Database.Distance = config.Distance
	cfg.Database.BatchSize = config.BatchSize
	cfg.Database.EmbedRate = config.EmbedRate
	cfg.Splitter.ChunkSize = config.ChunkSize

	if errs := cfg.Validate(); len(errs) > 0 {
		messages := make([]string, len(errs))
		for i, e := range errs {
			messages[i] = e.Error()
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
	}
	return nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func run(config Config) error {
	ctx := context.Background()

	if err := validateConfig(config); err != nil {
		return err
	}

	logger, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	conn, err := db.Open(ctx, config.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to TiDB: %v", err)
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:   config.EmbedModel,
		BaseURL: config.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %v", err)
	}

	vectorStore, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
		Conn:              conn,
		TableName:         config.VectorTable,
		VectorDim:         config.VectorDim,
		Distance:          store.DistanceMetric(config.Distance),
		BatchSize:         config.BatchSize,
		SearchLimit:       config.SearchLimit,
		CreateVectorIndex: config.VectorIndex,
		EmbedRate:         config.EmbedRate,
		Embedder:          embedder,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %v", err)
	}
	defer vectorStore.Close()

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       config.Model,
		MaxTokens:   config.MaxTokens,
		BaseURL:     config.BaseURL,
		Temperature: config.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %v", err)
	}

	// If a load query is provided, ingest its rows first
	if config.LoadQuery != "" {
		if err := ingest(ctx, conn, vectorStore, config); err != nil {
			return err
		}
	}

	if config.Serve {
		srv, err := server.New(server.Config{
			Addr:         config.Addr,
			SearchLimit:  config.SearchLimit,
			Streaming:    config.Streaming,
			HistoryTable: config.HistoryTable,
			DB:           conn,
			Retriever:    vectorStore,
			Chat:         chatEngine,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		return srv.Run()
	}

	return chat(ctx, conn, vectorStore, chatEngine, config)
}

// ingest loads documents from the configured SQL query, chunks them and
// stores them with their embeddings.
func ingest(ctx context.Context, conn *gorm.DB, vectorStore *store.VectorStore, config Config) error {
	color.Blue("\nLoading documents\n")

	docLoader, err := loader.NewWithConfig(ctx, loader.LoaderConfig{
		Conn:               conn,
		Query:              config.LoadQuery,
		PageContentColumns: splitCols(config.ContentCols),
		MetadataColumns:    splitCols(config.MetaCols),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize loader: %v", err)
	}

	chunks, err := docLoader.LoadAndSplit(ctx, splitter.NewWithConfig(splitter.SplitterConfig{
		ChunkSize: config.ChunkSize,
	}))
	if err != nil {
		return fmt.Errorf("failed to load documents: %v", err)
	}
	color.Green("✓ Loaded %d chunks\n", len(chunks))

	storageBar := getProgressBar(len(chunks), "Storing in vector table...")

	for i := 0; i < len(chunks); i += config.BatchSize {
		end := i + config.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		if _, err := vectorStore.AddDocuments(ctx, batch); err != nil {
			return fmt.Errorf("failed to store batch: %v", err)
		}
		storageBar.Add(len(batch))
	}
	storageBar.Finish()
	color.Green("\n✓ Storage complete\n")

	return nil
}

// chat runs the interactive loop. Turns persist in the session's history, so
// rerunning with the same -session resumes the conversation.
func chat(ctx context.Context, conn *gorm.DB, vectorStore *store.VectorStore, chatEngine *llm.ChatEngine, config Config) error {
	session := config.Session
	if session == "" {
		session = uuid.NewString()
	}

	hist, err := history.NewWithConfig(ctx, history.ChatMessageHistoryConfig{
		Conn:      conn,
		SessionID: session,
		TableName: config.HistoryTable,
	})
	if err != nil {
		return fmt.Errorf("failed to open chat session: %v", err)
	}

	color.Cyan("\nChat with your knowledge base (type 'exit' to quit)")
	color.Cyan("Session: %s\n", session)

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.ToLower(query) == "exit" {
			break
		}

		querySpinner := getSpinner("Searching documents...")
		docs, err := vectorStore.SimilaritySearchWithScore(ctx, query, config.SearchLimit)
		querySpinner.Finish()
		fmt.Print("\r")

		if err != nil {
			color.Red("Error querying documents: %v\n", err)
			continue
		}

		if config.Streaming {
			fmt.Print("\n")
			assistantPrompt("Assistant: ")

			_, err := chatEngine.ChatStream(ctx, query, docs, hist, func(chunk []byte) {
				fmt.Print(string(chunk))
			})
			if err != nil {
				color.Red("\nError: %v\n", err)
				continue
			}
			fmt.Print("\n")
		} else {
			responseSpinner := getSpinner("Generating response...")
			answer, err := chatEngine.Chat(ctx, query, docs, hist)
			responseSpinner.Finish()
			fmt.Print("\r")

			if err != nil {
				color.Red("Error: %v\n", err)
				continue
			}
			assistantPrompt("Assistant: %s\n", answer)
		}
	}

	return nil
}

func splitCols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
