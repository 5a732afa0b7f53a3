package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"grouparchive/backend/internal/account"
	"grouparchive/backend/internal/api/handler"
	"grouparchive/backend/internal/config"
	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/storage"
)

const usage = `Usage: admin <command> [args]

Commands:
  delete-message <group_id> <message_id>   tombstone a message
  delete-author <author_id>                tombstone an author
  deleted <group_id>                       list tombstoned messages
  history <group_id>                       list fetch history
  media-owed <group_id>                    list media messages without attachments
  account-check <operator>                 evaluate the account action limit
  account-action <operator> <add|remove>   record an account action
  token <operator>                         issue an API token`

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	ctx := context.Background()

	command, args := os.Args[1], os.Args[2:]

	// Token issuance needs no storage.
	if command == "token" {
		need(args, 1, "token <operator>")
		auth := handler.Auth{Secret: []byte(cfg.JWTSecret)}
		if cfg.JWTSecret == "" {
			log.Fatal().Msg("JWT_SECRET is not set")
		}
		token, err := auth.GenerateToken(args[0], time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("Error issuing token")
		}
		fmt.Println(token)
		return
	}

	db, err := storage.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect database")
	}
	if err := storage.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	var rdb *redis.Client
	if cfg.ActivityBackend == config.ActivityBackendRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
	}
	s := storage.NewStorageService(db, rdb)

	switch command {
	case "delete-message":
		need(args, 2, "delete-message <group_id> <message_id>")
		groupID, messageID := parseID(args[0]), parseID(args[1])
		if err := s.TombstoneMessage(ctx, groupID, messageID, time.Now()); err != nil {
			log.Fatal().Err(err).Msg("Error deleting message")
		}
		fmt.Printf("Message %d in group %d has been deleted.\n", messageID, groupID)

	case "delete-author":
		need(args, 1, "delete-author <author_id>")
		authorID := parseID(args[0])
		if err := s.TombstoneAuthor(ctx, authorID, time.Now()); err != nil {
			log.Fatal().Err(err).Msg("Error deleting author")
		}
		fmt.Printf("Author %d has been deleted.\n", authorID)

	case "deleted":
		need(args, 1, "deleted <group_id>")
		rows, err := s.ListDeletedMessages(ctx, parseID(args[0]))
		if err != nil {
			log.Fatal().Err(err).Msg("Error listing deleted messages")
		}
		for _, r := range rows {
			fmt.Printf("%d\t%s\n", r.MessageID, r.DeletedAt.Format(time.RFC3339))
		}

	case "history":
		need(args, 1, "history <group_id>")
		rows, err := s.ListFetchHistory(ctx, parseID(args[0]))
		if err != nil {
			log.Fatal().Err(err).Msg("Error listing fetch history")
		}
		for _, r := range rows {
			fmt.Printf("%s\t%s\t%s..%s\t%d\n", r.CompletedAt.Format(time.RFC3339), r.Credential,
				formatEdge(r.WindowStart), formatEdge(r.WindowEnd), r.Yielded)
		}

	case "media-owed":
		need(args, 1, "media-owed <group_id>")
		msgs, err := s.ListMediaOwed(ctx, parseID(args[0]))
		if err != nil {
			log.Fatal().Err(err).Msg("Error listing media owed")
		}
		for _, m := range msgs {
			fmt.Printf("%d\t%s\t%s\n", m.MessageID, m.MediaKind, m.Permalink)
		}
		fmt.Printf("%d message(s) owe media.\n", len(msgs))

	case "account-check":
		need(args, 1, "account-check <operator>")
		d, err := throttleFor(cfg, s, rdb).CanPerformAccountAction(ctx, args[0])
		if err != nil {
			log.Fatal().Err(err).Msg("Error evaluating account actions")
		}
		fmt.Println(d)

	case "account-action":
		need(args, 2, "account-action <operator> <add|remove>")
		d, err := throttleFor(cfg, s, rdb).RecordAccountAction(ctx, args[0], models.AccountAction(args[1]))
		if err != nil {
			log.Fatal().Err(err).Msg("Error recording account action")
		}
		fmt.Println(d)
		if !d.Allowed {
			os.Exit(2)
		}

	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

func throttleFor(cfg *config.Config, s *storage.Service, rdb *redis.Client) *account.Throttle {
	var activity account.ActivityLog = &storage.GormActivityLog{Service: s}
	if rdb != nil {
		activity = &storage.RedisActivityLog{Client: rdb, Retention: account.Window}
	}
	return account.New(activity, cfg.AccountActionLimit, account.WithLogger(log.Logger))
}

func need(args []string, n int, form string) {
	if len(args) != n {
		fmt.Println("Usage: admin " + form)
		os.Exit(1)
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		fmt.Printf("Invalid id %q. Please provide a non-zero integer.\n", s)
		os.Exit(1)
	}
	return id
}

func formatEdge(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.Format(time.RFC3339)
}
