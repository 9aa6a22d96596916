package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
	"github.com/entrepeneur4lyf/notechat/internal/embeddings"
	"github.com/entrepeneur4lyf/notechat/internal/events"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/agent"
	"github.com/entrepeneur4lyf/notechat/internal/llm/providers"
	"github.com/entrepeneur4lyf/notechat/internal/llm/query"
	"github.com/entrepeneur4lyf/notechat/internal/llm/tools"
	"github.com/entrepeneur4lyf/notechat/internal/notes"
	"github.com/entrepeneur4lyf/notechat/internal/retrieval"
	"github.com/entrepeneur4lyf/notechat/internal/session"
	"github.com/entrepeneur4lyf/notechat/internal/storage"
	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

// application holds the wired components shared by the commands
type application struct {
	bus       *events.Bus
	index     *vectordb.Index
	embedder  embeddings.Embedder
	retrieval *retrieval.Service
	registry  *tools.ToolRegistry
	chatStore *storage.SQLiteChatStore
	sessions  *session.Store
	chat      *chat.Service
}

// newApplication opens the index and transcript database and builds the chat
// service. A missing or disabled provider leaves chat unavailable but the
// rest usable.
func newApplication() (*application, error) {
	dataDir, err := paths.DataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &application{bus: events.NewBus()}
	a.index, err = vectordb.Open(dataDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open note index: %w", err)
	}

	a.embedder = embeddings.New(cfg.EmbeddingOptions())
	a.retrieval = retrieval.NewService(a.embedder, a.index,
		retrieval.WithScopedThreshold(cfg.Retrieval.ScopedThreshold),
		retrieval.WithMaxResults(cfg.Retrieval.MaxResults),
		retrieval.WithNoteTree(a.index),
	)
	a.registry = tools.NewNoteToolRegistry(a.retrieval, a.index)

	dbPath, err := paths.ChatDatabasePath()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.chatStore, err = storage.NewChatStore(dbPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open chat database: %w", err)
	}
	a.sessions = session.NewStore(
		session.WithTTL(cfg.Session.TTL),
		session.WithPersistence(a.chatStore),
	)

	handler, err := buildHandler()
	if err != nil {
		if !llm.IsConfigurationError(err) {
			a.Close()
			return nil, err
		}
		log.Warn("Chat unavailable", "reason", err)
	}

	var pipeline *chat.Pipeline
	if handler != nil {
		pipeline = chat.NewPipeline(handler,
			query.NewProcessor(handler),
			a.retrieval,
			agent.NewToolLoop(handler, a.registry, agent.WithMaxIterations(cfg.Chat.MaxToolIterations)),
			chat.PipelineConfig{
				QueryMode:          cfg.QueryMode(),
				DecomposeThreshold: cfg.Chat.DecomposeThreshold,
				MaxResults:         cfg.Retrieval.MaxResults,
				SystemPrompt:       cfg.Chat.SystemPrompt,
			},
		)
		log.Debug("Chat provider ready", "provider", handler.Provider(), "model", handler.GetModel().ID)
	} else {
		pipeline = chat.NewPipeline(nil, nil, nil, nil, chat.PipelineConfig{})
	}

	a.chat = chat.NewService(a.sessions, pipeline,
		chat.WithEventBus(a.bus),
		chat.WithDefaultOptions(cfg.ChatOptions()),
		chat.WithEnabled(cfg.Chat.Enabled),
	)
	return a, nil
}

func buildHandler() (llm.ApiHandler, error) {
	opts, err := cfg.HandlerOptions()
	if err != nil {
		return nil, err
	}
	handler, err := providers.BuildApiHandler(opts)
	if err != nil {
		return nil, err
	}
	return llm.WithTracing(handler), nil
}

// newLoader creates a loader for notes.directory, defaulting to the
// working directory
func (a *application) newLoader() (*notes.Loader, error) {
	dir := cfg.Notes.Directory
	if dir == "" {
		dir = cfg.WorkingDir
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(cfg.WorkingDir, dir)
	}
	return notes.NewLoader(dir, a.index, a.embedder,
		notes.WithPatterns(cfg.Notes.Patterns...),
		notes.WithEventBus(a.bus),
	)
}

// Close releases the databases and stops event delivery
func (a *application) Close() error {
	var errs []error
	if a.chatStore != nil {
		errs = append(errs, a.chatStore.Close())
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.bus != nil {
		a.bus.Shutdown()
	}
	return errors.Join(errs...)
}

// withApplication runs fn with a fresh application and closes it afterwards
func withApplication(ctx context.Context, fn func(context.Context, *application) error) error {
	a, err := newApplication()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("Failed to close databases", "error", err)
		}
	}()
	return fn(ctx, a)
}
