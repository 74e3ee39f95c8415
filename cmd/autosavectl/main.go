package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"readwise-autosave/internal/config"
	"readwise-autosave/internal/database"
	"readwise-autosave/internal/domain"
	"readwise-autosave/internal/secret"
	"time"
)

const usage = `usage: autosavectl <command> [flags]

commands:
  login     store a Bluesky login (-did -handle -access -refresh -expires-in)
  settings  update settings (-user -readwise-token -sync -extract-links)
  show      print a user's settings (-user)
  delete    delete a user (-user)`

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(context.Background(), os.Args[1], os.Args[2:], log); err != nil {
		log.Error("Command failed",
			"error", err,
			"command", os.Args[1])

		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var sealer secret.Sealer = secret.PlaintextSealer{}
	if cfg.TokenEncryptionKey != "" {
		if sealer, err = secret.NewAEADSealerFromBase64(cfg.TokenEncryptionKey); err != nil {
			return fmt.Errorf("init sealer: %w", err)
		}
	}

	db, err := database.New(ctx, cfg.DBPath, sealer, log)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("Failed to close db",
				"error", closeErr,
				"dbPath", cfg.DBPath)
		}
	}()

	switch command {
	case "login":
		return login(ctx, db, args)
	case "settings":
		return updateSettings(ctx, db, args)
	case "show":
		return show(ctx, db, args)
	case "delete":
		return deleteUser(ctx, db, args)
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func login(ctx context.Context, db *database.Database, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	did := fs.String("did", "", "account DID")
	handle := fs.String("handle", "", "account handle")
	access := fs.String("access", "", "OAuth access token")
	refresh := fs.String("refresh", "", "OAuth refresh token")
	expiresIn := fs.Duration("expires-in", 0, "access token lifetime, 0 if unknown")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *access == "" {
		return errors.New("-access is required")
	}

	cred := domain.Credential{AccessToken: *access, RefreshToken: *refresh}
	if *expiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(*expiresIn)
	}

	user, err := db.SaveLogin(ctx, *did, *handle, cred)
	if err != nil {
		return err
	}

	fmt.Println(user.ID)

	return nil
}

func updateSettings(ctx context.Context, db *database.Database, args []string) error {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	userID := fs.String("user", "", "user ID")
	token := fs.String("readwise-token", "", "Readwise access token, unchanged when empty")
	syncEnabled := fs.Bool("sync", true, "enable sync")
	extractLinks := fs.Bool("extract-links", false, "save linked pages as documents")

	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := db.GetSettings(ctx, *userID)
	if err != nil {
		return err
	}

	if *token != "" {
		s.ReadwiseToken = *token
	}
	s.SyncEnabled = *syncEnabled
	s.ExtractLinks = *extractLinks

	return db.UpdateSettings(ctx, s)
}

func show(ctx context.Context, db *database.Database, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	userID := fs.String("user", "", "user ID")

	if err := fs.Parse(args); err != nil {
		return err
	}

	user, err := db.GetUser(ctx, *userID)
	if err != nil {
		return err
	}

	s, err := db.GetSettings(ctx, user.ID)
	if err != nil {
		return err
	}

	fmt.Printf("user=%s did=%s handle=%s sync=%t extract_links=%t readwise_token=%t reconnect_required=%t cursor=%q\n",
		user.ID, user.DID, user.Handle, s.SyncEnabled, s.ExtractLinks, s.CanDeliver(), s.ReconnectRequired, s.LastBookmarkCursor)

	return nil
}

func deleteUser(ctx context.Context, db *database.Database, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	userID := fs.String("user", "", "user ID")

	if err := fs.Parse(args); err != nil {
		return err
	}

	return db.DeleteUser(ctx, *userID)
}
