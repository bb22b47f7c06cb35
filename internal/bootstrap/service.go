// Package bootstrap constructs the service graph once at process start
// and runs the reply pipeline for inbound chat events. All mutable state
// (conversation buffers, the vector index, freeze schedule) lives inside
// the Service instance — channel adapters only hold a reference.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/minebridge/bridgebot/internal/assemble"
	"github.com/minebridge/bridgebot/internal/config"
	"github.com/minebridge/bridgebot/internal/delivery"
	"github.com/minebridge/bridgebot/internal/gamestatus"
	"github.com/minebridge/bridgebot/internal/llm"
	"github.com/minebridge/bridgebot/internal/rag"
	"github.com/minebridge/bridgebot/internal/retry"
	"github.com/minebridge/bridgebot/internal/session"
)

// fallbackReply is the user-visible text when the completion pipeline
// fails past its retry budget or produces nothing.
const fallbackReply = "Couldn't get a response — please try again later."

// Inbound is one normalized chat event, platform details already
// stripped by the adapter.
type Inbound struct {
	Ref         assemble.ChatRef
	Text        string
	DisplayName string // speaker name shown to the model
	UserKey     string // platform-scoped user key (freezes, player lookup)
}

// Service owns the assembled pipeline.
type Service struct {
	Cfg       *config.Config
	Sessions  *session.Store
	Assembler *assemble.Assembler
	Prompts   *assemble.PromptLoader
	LLM       *llm.Client
	Game      *gamestatus.Client

	// nil when RAG is disabled
	Index     *rag.Index
	Retriever *rag.Retriever
	watcher   *rag.Watcher
}

// New wires the full service graph from configuration.
func New(cfg *config.Config) (*Service, error) {
	sessions, err := session.NewStore(session.Options{
		DMHistorySize:    cfg.DMHistorySize,
		GroupHistorySize: cfg.GroupHistorySize,
		MaxConversations: cfg.MaxConversations,
	})
	if err != nil {
		return nil, err
	}

	svc := &Service{
		Cfg:       cfg,
		Sessions:  sessions,
		Assembler: assemble.New(sessions),
		Prompts:   assemble.NewPromptLoader(cfg.PromptsDir),
		LLM: llm.NewClient(llm.Options{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
			StallAfter:  cfg.LLM.StallTimeout,
			Policy: &retry.Policy{
				MaxRetries: cfg.LLM.MaxRetries,
				BaseDelay:  cfg.LLM.BackoffBase,
				MaxDelay:   60 * time.Second,
			},
		}),
		Game: gamestatus.NewClient(gamestatus.ClientOptions{
			StatusURL:  cfg.Game.StatusURL,
			ServerHost: cfg.Game.ServerHost,
			PlayerHost: cfg.Game.PlayerHost,
			CacheTTL:   cfg.Game.CacheTTL,
			Timeout:    cfg.Game.Timeout,
		}),
	}

	if cfg.RAG.Enabled {
		embedder := rag.NewHTTPEmbedder(rag.EmbedderOptions{
			BaseURL:   cfg.RAG.EmbedBaseURL,
			APIKey:    cfg.RAG.EmbedAPIKey,
			Model:     cfg.RAG.EmbedModel,
			BatchSize: cfg.RAG.EmbedBatch,
			Timeout:   cfg.RAG.EmbedTimeout,
		})
		svc.Index = rag.NewIndex(rag.IndexOptions{
			KBDir:        cfg.RAG.KBDir,
			IndexDir:     cfg.RAG.IndexDir,
			ChunkSize:    cfg.RAG.ChunkSize,
			ChunkOverlap: cfg.RAG.ChunkOverlap,
		}, embedder)
		svc.Retriever = rag.NewRetriever(svc.Index, cfg.RAG.TopK, cfg.RAG.MaxChars)
	}

	return svc, nil
}

// Start warms the index and begins watching the knowledge base.
func (s *Service) Start(ctx context.Context) error {
	if s.Index == nil {
		return nil
	}
	if err := s.Index.Ensure(ctx); err != nil {
		// A cold index is not fatal: queries degrade to no KB context and
		// the next ensure retries.
		slog.Error("bootstrap: initial index build failed", "error", err)
	}
	if s.Cfg.RAG.Watch {
		w, err := rag.NewWatcher(s.Index, s.Cfg.RAG.KBDir)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		s.watcher = w
	}
	return nil
}

// Stop tears down background work.
func (s *Service) Stop() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
}

// Respond runs the full reply pipeline for one inbound message: enrich,
// assemble, stream the completion into the transport via the delivery
// throttler, and commit the reply to conversation history exactly once.
//
// placeholder, when non-empty, is an already-sent "typing" message the
// stream will edit in place. All failures degrade to a canned apology;
// Respond never panics the adapter goroutine.
func (s *Service) Respond(ctx context.Context, in Inbound, tr delivery.Transport, placeholder delivery.MessageID) {
	reqID := uuid.NewString()[:8]
	log := slog.With("req", reqID, "chat", in.Ref.ChatID)
	log.Info("handling message", "mode", in.Ref.Mode, "len", len(in.Text))

	enrich := s.enrich(ctx, in)
	systemPrompt := s.Prompts.ForChat(in.Ref)
	input := s.Assembler.Build(in.Ref, in.Text, in.DisplayName, enrich)

	throttler := delivery.NewThrottler(tr, placeholder, delivery.Options{
		MaxMessageLen: tr.MaxMessageLen(),
	})

	// The sink's lifetime is tied to this request: a fatal transport
	// failure cancels the model call instead of streaming into the void.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sink := &throttlerSink{ctx: streamCtx, cancel: cancel, throttler: throttler}

	final, err := s.LLM.Stream(streamCtx, input, systemPrompt, sink)
	if err != nil {
		var rle *llm.RateLimitError
		var ue *llm.UpstreamError
		switch {
		case errors.As(err, &rle):
			log.Warn("completion rate limited past retry budget", "error", err)
		case errors.As(err, &ue):
			log.Error("completion failed", "status", ue.Status, "body", ue.Body)
		default:
			log.Error("completion failed", "error", err)
		}
		s.deliverFallback(ctx, throttler)
		return
	}

	if final == "" {
		log.Warn("completion produced empty text")
		s.deliverFallback(ctx, throttler)
		return
	}

	if _, err := throttler.Finish(ctx); err != nil {
		log.Warn("final flush failed", "error", err)
	}
	s.Assembler.RecordReply(in.Ref, final)
	log.Info("reply delivered", "chars", len(final), "segments", throttler.Segments())
}

// enrich gathers the optional context sections. Every lookup is
// best-effort: a failure yields "no data" for that section and the rest
// compose as usual.
func (s *Service) enrich(ctx context.Context, in Inbound) assemble.Enrichment {
	var e assemble.Enrichment

	if status, err := s.Game.FetchStatus(ctx); err == nil {
		e.ServerStatus = s.Game.FormatStatus(status)
	} else {
		slog.Warn("enrich: server status unavailable", "error", err)
	}

	if player, err := s.Game.FetchPlayer(ctx, in.DisplayName); err == nil {
		e.PlayerInfo = player
	} else {
		slog.Warn("enrich: player profile unavailable", "nick", in.DisplayName, "error", err)
	}

	if s.Retriever != nil {
		if kb, err := s.Retriever.BuildContext(ctx, in.Text, 0); err == nil {
			e.Retrieved = kb
		} else {
			slog.Warn("enrich: knowledge base unavailable", "error", err)
		}
	}

	return e
}

func (s *Service) deliverFallback(ctx context.Context, throttler *delivery.Throttler) {
	throttler.Reset()
	if err := throttler.Push(ctx, fallbackReply); err != nil {
		slog.Warn("fallback reply failed", "error", err)
		return
	}
	if _, err := throttler.Finish(ctx); err != nil {
		slog.Warn("fallback flush failed", "error", err)
	}
}

// throttlerSink adapts the delivery throttler to the llm.StreamSink
// contract.
type throttlerSink struct {
	ctx       context.Context
	cancel    context.CancelFunc
	throttler *delivery.Throttler
}

func (s *throttlerSink) Delta(text string) {
	if err := s.throttler.Push(s.ctx, text); err != nil {
		slog.Warn("delivery: stream aborted by transport failure", "error", err)
		s.cancel()
	}
}

func (s *throttlerSink) Reset() {
	s.throttler.Reset()
}
