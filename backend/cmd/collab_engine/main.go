package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabEngine/backend/internal/chat"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/httpapi/handlers"
	"collabEngine/backend/internal/httpapi/middleware"
	"collabEngine/backend/internal/lock"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/session"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/ws"
)

type EngineConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		// Mode is "local" (in-process HS256) or "remote" (delegate to an
		// auth service at Path).
		Mode   string `mapstructure:"mode"`
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Session struct {
		EnforceLock bool `mapstructure:"enforceLock"`
		// RevisionTolerance accepts -1 for an exactly-current policy.
		RevisionTolerance int `mapstructure:"revisionTolerance"`
		IdleTTLSeconds    int `mapstructure:"idleTtlSeconds"`
	} `mapstructure:"Session"`
	Presence struct {
		TTLSeconds int `mapstructure:"ttlSeconds"`
	} `mapstructure:"Presence"`
	Conflict struct {
		WindowMillis     int `mapstructure:"windowMillis"`
		PendingTTLMillis int `mapstructure:"pendingTtlMillis"`
	} `mapstructure:"Conflict"`
	Chat struct {
		TypingIdleMillis int `mapstructure:"typingIdleMillis"`
	} `mapstructure:"Chat"`
}

func initConfig() (*EngineConfig, error) {
	cfg := &EngineConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	presenceTTL := 600 * time.Second
	if cfg.Presence.TTLSeconds > 0 {
		presenceTTL = time.Duration(cfg.Presence.TTLSeconds) * time.Second
	}
	conflictWindow := time.Second
	if cfg.Conflict.WindowMillis > 0 {
		conflictWindow = time.Duration(cfg.Conflict.WindowMillis) * time.Millisecond
	}
	pendingTTL := 10 * time.Second
	if cfg.Conflict.PendingTTLMillis > 0 {
		pendingTTL = time.Duration(cfg.Conflict.PendingTTLMillis) * time.Millisecond
	}
	typingIdle := time.Second
	if cfg.Chat.TypingIdleMillis > 0 {
		typingIdle = time.Duration(cfg.Chat.TypingIdleMillis) * time.Millisecond
	}
	idleTTL := time.Minute
	if cfg.Session.IdleTTLSeconds > 0 {
		idleTTL = time.Duration(cfg.Session.IdleTTLSeconds) * time.Second
	}

	// Presence tracker: redis-backed when configured, otherwise in-memory.
	var tracker presence.Tracker = presence.NewMemoryTracker()
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping failed: %v", err)
		}
		defer rdb.Close()
		tracker = presence.NewRedisTracker(rdb)
	}

	// Durable stores: optional, the engine degrades to memory-only.
	var (
		snapshots session.SnapshotStore
		messages  chat.MessageStore
		documents *store.DocumentStore
	)
	if cfg.Mysql.DSN != "" {
		gormDB, sqlDB, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("mysql init failed: %v", err)
		}
		defer sqlDB.Close()
		snapshots = store.NewSnapshotStore(sqlDB)
		messages = store.NewMessageStore(gormDB)
		documents = store.NewDocumentStore(sqlDB)
	}

	// Kafka fan-out: optional.
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("kafka connect failed: %v", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(64),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	locks := lock.NewManager()
	sessions := session.NewManager(locks, tracker, snapshots, dispatcher, session.Options{
		EnforceLock:       cfg.Session.EnforceLock,
		RevisionTolerance: cfg.Session.RevisionTolerance,
		IdleTTL:           idleTTL,
		PresenceTTL:       presenceTTL,
	})
	sessions.Start(ctx)

	chatMgr := chat.NewManager(messages, dispatcher, chat.Options{TypingIdleTimeout: typingIdle})
	chatMgr.Start(ctx)

	hub := ws.NewHub()
	wsSem := collab.NewSemaphoreControl(256)
	wsManager := ws.NewManager(hub, sessions, chatMgr, tracker, wsSem, presenceTTL, conflictWindow, pendingTTL)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	var auth gin.HandlerFunc
	if cfg.Auth.Mode == "remote" {
		auth = middleware.RemoteAuth(cfg.Auth.Path)
	} else {
		secret := cfg.Auth.Secret
		if secret == "" {
			secret = "dev-secret"
		}
		auth = middleware.LocalAuth([]byte(secret))
	}

	api := r.Group("/collab")
	api.Use(auth)
	api.GET("/ws", wsManager.WebSocketConnect)
	if documents != nil {
		docs := handlers.NewDocuments(documents)
		api.POST("/documents", docs.Create)
		api.GET("/documents", docs.Get)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	port := cfg.Running.Port
	if port == 0 {
		port = 3002
	}
	_ = r.Run(fmt.Sprintf(":%d", port))
}
