// Chat orchestration core - server entrypoint.
//
// This service owns the conversation lifecycle: message ingestion over a
// WebSocket wire protocol, mode computation, fan-out broadcast to human and
// AI participants, async persistence, and bounded in-memory caching. The
// AI engine itself lives behind an HTTP adapter so this service never
// runs model inference in-process.
//
// STARTUP SEQUENCE:
// 1. Load configuration from environment variables (.env files)
// 2. Initialize structured logging
// 3. Create worker pools for AI-job dispatch and async persistence
// 4. Select the storage backend (in-memory or Postgres)
// 5. Build the bounded conversation cache and metrics registry
// 6. Construct the identity (channel-token) issuer
// 7. Construct the connection manager and conversation manager
// 8. Optionally wire the cross-instance relay
// 9. Start the WebSocket upgrade server on its own port
// 10. Configure the fiber REST server and register lifecycle routes
// 11. Start both listeners and wait for shutdown signal
// 12. Graceful shutdown: drain pools, close connections, close storage
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"chatcore/internal/ai"
	"chatcore/internal/ai/httpengine"
	"chatcore/internal/cache"
	"chatcore/internal/config"
	"chatcore/internal/connection"
	"chatcore/internal/conversation"
	"chatcore/internal/identity"
	"chatcore/internal/lifecycle"
	"chatcore/internal/middleware"
	"chatcore/internal/obsmetrics"
	"chatcore/internal/relay"
	"chatcore/internal/storage"
	"chatcore/internal/storage/memstore"
	"chatcore/internal/storage/pgstore"
	"chatcore/internal/workers"
)

func main() {
	// PHASE 1: CONFIGURATION AND LOGGING SETUP
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration:", err)
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Server.Environment == "development" {
		opts.Level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))

	// PHASE 2: WORKER POOL INITIALIZATION
	// AIJobs dispatch outbound calls to the AI engine adapter; Persistence
	// drains the async fire-and-forget storage writes.
	poolManager := workers.NewPoolManager(workers.PoolConfig{
		AIJobWorkers:       8,
		PersistenceWorkers: 4,
	})

	// PHASE 3: STORAGE BACKEND SELECTION
	var store storage.Store
	switch cfg.Storage.Backend {
	case "postgres":
		slog.Info("connecting to postgres storage backend")
		pg, err := pgstore.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatal("failed to open postgres store:", err)
		}
		migrateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pg.Migrate(migrateCtx); err != nil {
			cancel()
			log.Fatal("storage migration failed:", err)
		}
		cancel()
		store = pg
	default:
		slog.Info("using in-memory storage backend")
		store = memstore.New()
	}

	// PHASE 4: CACHE AND METRICS
	registry := prometheus.NewRegistry()
	cacheMetrics := obsmetrics.NewCacheMetrics(registry)
	conversationMetrics := obsmetrics.NewConversationMetrics(registry)
	convCache := cache.New(cfg.Chat.MaxConversationsCached, cfg.Chat.MaxMessagesPerConvoCached, cacheMetrics)

	// PHASE 5: IDENTITY (CHANNEL TOKEN) ISSUER
	signingKey := cfg.Identity.TokenSigningKey
	if signingKey == "" {
		signingKey = uuidFallbackKey()
		slog.Warn("generated ephemeral channel-token signing key; tokens will not survive a restart")
	}
	tokenIssuer := identity.NewIssuer([]byte(signingKey))

	// PHASE 6: CONNECTION MANAGER
	connManager := connection.New(func(conversationID, participantID string) {
		slog.Debug("connection dropped", "conversation_id", conversationID, "participant_id", participantID)
	})

	// PHASE 7: AI ENGINE ADAPTER AND CONVERSATION MANAGER
	engine := httpengine.New(httpengine.Config{
		BaseURL:    cfg.AIEngine.BaseURL,
		Timeout:    time.Duration(cfg.AIEngine.TimeoutSeconds) * time.Second,
		RetryCount: cfg.AIEngine.RetryCount,
	})
	aiTimeout := time.Duration(cfg.AIEngine.TimeoutSeconds) * time.Second
	aiBuilder := ai.ContextBuilder{HumanLimit: cfg.Chat.HumanContextMessages, AILimit: cfg.Chat.AIContextMessages}

	// PHASE 8: OPTIONAL CROSS-INSTANCE RELAY
	// When enabled, every broadcast is also published to redis so sibling
	// instances' Connection Managers deliver it to their own local
	// connections; relayBroadcaster fans a single BroadcastToConversation
	// call out to both the local Connection Manager and the relay.
	var broadcastRelay *relay.Relay
	if cfg.Relay.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: stripRedisScheme(cfg.Relay.RedisURL)})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			slog.Warn("relay redis unavailable, running single-instance", "error", err)
			redisClient.Close()
		} else {
			slog.Info("cross-instance broadcast relay enabled")
			broadcastRelay = relay.New(redisClient)
			go broadcastRelay.Subscribe(context.Background(), func(conversationID string, payload []byte, excludeParticipantID string) {
				connManager.BroadcastToConversation(conversationID, payload, excludeParticipantID)
			})
		}
		cancel()
	}

	manager := conversation.New(conversation.Config{
		SingleModeTimeout: time.Duration(cfg.Chat.SingleModeTimeoutSeconds) * time.Second,
		MultiModeTimeout:  time.Duration(cfg.Chat.MultiModeTimeoutSeconds) * time.Second,
		QueueSizeLimit:    cfg.Chat.QueueSizeLimit,
		MaxParticipants:   cfg.Chat.MaxParticipants,
		HumanContextSize:  cfg.Chat.HumanContextMessages,
		AIContextSize:     cfg.Chat.AIContextMessages,
	}, store, convCache, poolManager, relayBroadcaster{local: connManager, relay: broadcastRelay}, conversationMetrics)
	connManager.SetDirectory(participantDirectory{manager: manager})

	// PHASE 9: WEBSOCKET UPGRADE SERVER
	// Runs on its own net/http listener since gorilla/websocket cannot
	// upgrade a fasthttp connection (see DESIGN.md, internal/connection).
	wsServer := lifecycle.NewWebSocketServer(manager, connManager, tokenIssuer)
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", wsServer.ServeHTTP)
	wsAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, wsPort(cfg.Server.Port))
	wsHTTPServer := &http.Server{Addr: wsAddr, Handler: wsMux}
	go func() {
		slog.Info("starting websocket server", "address", wsAddr)
		if err := wsHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("websocket server failed", "error", err)
		}
	}()

	// PHASE 10: FIBER REST SERVER
	app := fiber.New(fiber.Config{
		ErrorHandler: middleware.ErrorHandler(),
	})
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	lifecycleHandler := lifecycle.New(manager, store, tokenIssuer, engine, aiTimeout, aiBuilder)

	app.Get("/health", lifecycle.HandleHealth(func() fiber.Map {
		return fiber.Map{
			"worker_pools": poolManager.GetStats(),
			"cache":        convCache.Stats(),
		}
	}))

	api := app.Group("/api")
	conversations := api.Group("/conversations")
	conversations.Post("/", lifecycleHandler.HandleCreate)
	conversations.Get("/", lifecycleHandler.HandleList)
	conversations.Get("/:id", lifecycleHandler.HandleGet)
	conversations.Post("/:id/join", lifecycleHandler.HandleJoin)
	conversations.Delete("/:id/participants/:participantId", lifecycleHandler.HandleLeave)

	// PHASE 11: GRACEFUL SHUTDOWN
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		slog.Info("shutting down server...")

		poolManager.Shutdown()
		connManager.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := wsHTTPServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("websocket server shutdown error", "error", err)
		}
		cancel()

		if closer, ok := store.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				slog.Error("storage close error", "error", err)
			}
		}

		if err := app.Shutdown(); err != nil {
			slog.Error("fiber shutdown error", "error", err)
		}

		slog.Info("shutdown complete")
		os.Exit(0)
	}()

	// PHASE 12: SERVER STARTUP
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	slog.Info("starting chat orchestration server", "address", addr, "environment", cfg.Server.Environment)
	if err := app.Listen(addr); err != nil {
		slog.Error("server failed to start", "error", err)
		poolManager.Shutdown()
		log.Fatal(err)
	}
}

// relayBroadcaster fans a broadcast out to the local Connection Manager and,
// if a cross-instance relay is configured, to redis as well so sibling
// instances' connection managers deliver it to their own local connections.
type relayBroadcaster struct {
	local *connection.Manager
	relay *relay.Relay
}

func (b relayBroadcaster) BroadcastToConversation(conversationID string, payload []byte, excludeParticipantID string) {
	b.local.BroadcastToConversation(conversationID, payload, excludeParticipantID)
	if b.relay != nil {
		if err := b.relay.Publish(context.Background(), conversationID, payload, excludeParticipantID); err != nil {
			slog.Warn("relay publish failed", "error", err, "conversation_id", conversationID)
		}
	}
}

// participantDirectory adapts the Conversation Manager's membership view to
// the roster lookup the Connection Manager needs to build participant_list/
// participant_joined/participant_left frames.
type participantDirectory struct {
	manager *conversation.Manager
}

func (d participantDirectory) Participants(conversationID string) []connection.ParticipantInfo {
	members := d.manager.Participants(conversationID)
	out := make([]connection.ParticipantInfo, 0, len(members))
	for _, p := range members {
		out = append(out, connection.ParticipantInfo{
			ParticipantID: p.ParticipantID,
			DisplayName:   p.DisplayName,
			Kind:          string(p.Kind),
		})
	}
	return out
}

// wsPort derives the WebSocket listener's port from the REST port so a
// single PORT env var still yields two non-colliding listeners.
func wsPort(restPort string) string {
	var n int
	if _, err := fmt.Sscanf(restPort, "%d", &n); err != nil || n <= 0 {
		return "8081"
	}
	return fmt.Sprintf("%d", n+1)
}

func stripRedisScheme(url string) string {
	const scheme = "redis://"
	if len(url) > len(scheme) && url[:len(scheme)] == scheme {
		return url[len(scheme):]
	}
	return url
}

// uuidFallbackKey produces a process-local signing key when no
// configured key is present. Tokens issued with it do not survive a
// restart, which is acceptable for the ephemeral, channel-scoped tokens
// this package issues.
func uuidFallbackKey() string {
	return fmt.Sprintf("ephemeral-%d", time.Now().UnixNano())
}
