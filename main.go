package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/NawaNapam/NawaNapam.dev/broker"
	"github.com/NawaNapam/NawaNapam.dev/config"
	"github.com/NawaNapam/NawaNapam.dev/metrics"
	"github.com/NawaNapam/NawaNapam.dev/pairing"
	"github.com/NawaNapam/NawaNapam.dev/presence"
	"github.com/NawaNapam/NawaNapam.dev/room"
	"github.com/NawaNapam/NawaNapam.dev/services"
	"github.com/NawaNapam/NawaNapam.dev/websocket"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	// Every instance gets a unique id; cross-instance delivery works by
	// checking which instance holds a given connection.
	serverID := uuid.New().String()
	log.Printf("Starting signaling instance with ID: %s", serverID)

	redisClient, err := services.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer services.CloseRedisClient(redisClient)

	registry := presence.NewRegistry(redisClient, time.Duration(cfg.Presence.TTL)*time.Second)
	engine := pairing.NewEngine(redisClient, cfg.Presence.StaleMs)

	var messageBroker broker.MessageBroker
	log.Printf("Initializing message broker of type: %s", cfg.Broker.Type)
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		// The Redis broker re-uses the coordination store's client.
		messageBroker = broker.NewRedisBroker(redisClient)
	case "kafka":
		// Frames are broadcasts: every instance must consume every frame,
		// so each instance runs in its own consumer group.
		groupID := fmt.Sprintf("%s-%s", cfg.Broker.Kafka.GroupID, serverID)
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, groupID)
		if err != nil {
			log.Fatalf("Failed to create Kafka broker: %v", err)
		}
	default:
		// Caught by config validation, checked again as a safeguard.
		log.Fatalf("Invalid broker type specified: %s", cfg.Broker.Type)
	}
	defer messageBroker.Close()

	rooms := room.NewManager(redisClient, messageBroker, cfg.Presence.Channel)

	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, redisClient)
		log.Println("JWT handshake authentication is ENABLED.")
	} else {
		log.Println("JWT handshake authentication is DISABLED.")
	}

	clientManager := websocket.NewClientManager(serverID)
	handler := websocket.NewHandler(
		clientManager,
		registry,
		engine,
		rooms,
		messageBroker,
		jwtValidator,
		&cfg.Auth,
		&cfg.WebSocket,
		cfg.Presence.Channel,
	)

	// Cross-instance notifier.
	go handler.ListenForPresenceEvents(ctx)

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "NawaNapam signaling server")
	}).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "instance": serverID})
	}).Methods("GET")
	r.HandleFunc("/ws", handler.HandleWebSocket)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      corsHandler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Signaling server listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	clientManager.CloseAllConnections("Server shutting down")
	clientManager.WaitForCompletion()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}
