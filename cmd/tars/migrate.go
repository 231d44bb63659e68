package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/tars-case/tars/conversation"
	"github.com/ZanzyTHEbar/tars-case/tars/db"
	"github.com/ZanzyTHEbar/tars-case/tars/memory/store"
)

func migrateCommand(ctx context.Context, env *environment, args []string) error {
	if env.cfg.Store.Backend != "libsql" {
		return fmt.Errorf("migrate only applies to the libsql backend, not %q", env.cfg.Store.Backend)
	}
	conn, _, err := db.Open(ctx, db.OptionsFromConfig(env.cfg.Database), env.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn, env.logger); err != nil {
		return err
	}
	version, err := db.Version(ctx, conn)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "schema at version %d\n", version)
	return nil
}

// ingestCommand embeds each file and stores it in the documents partition.
func ingestCommand(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("ingest needs at least one file")
	}
	if err := requireAPIKey(env.cfg); err != nil {
		return err
	}

	svc, err := conversation.NewServices(ctx, env.cfg, conversation.Observers{}, env.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	writer, ok := svc.Store.(store.DocumentWriter)
	if !ok {
		return fmt.Errorf("the %s backend does not accept documents", env.cfg.Store.Backend)
	}

	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		content := strings.TrimSpace(string(raw))
		if content == "" {
			env.logger.Warn().Str("file", path).Msg("Skipping empty file")
			continue
		}
		embedding, err := svc.Embedder.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("embed %s: %w", path, err)
		}
		id, err := writer.AddDocument(ctx, content, embedding)
		if err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		fmt.Fprintf(env.stdout, "%s\t%s\n", id, path)
	}
	return nil
}
