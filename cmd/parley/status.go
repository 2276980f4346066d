package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/parley/internal/presentation/tui"
	redisadapter "github.com/aretw0/parley/pkg/adapters/redis"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every avatar session",
	Long: `Reads session snapshots from a running server, or straight from Redis when
PARLEY_REDIS_ADDR (or --redis) is set and --server is not given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		serverURL, _ := cmd.Flags().GetString("server")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var (
			snaps  []domain.Snapshot
			active string
		)
		if cfg.RedisAddr != "" && !cmd.Flags().Changed("server") {
			client := backend.NewClient(&backend.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer client.Close()
			store := redisadapter.NewFromClient(client, redisadapter.WithPrefix(cfg.RedisPrefix+"session:"))
			lock := redisadapter.NewExclusivityLock(client, redisadapter.WithLockKey(cfg.RedisPrefix+"lock:active-session"))
			snaps, active, err = snapshotsFromStore(ctx, store, lock)
		} else {
			snaps, active, err = snapshotsFromServer(ctx, http.DefaultClient, serverURL)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snaps)
		}

		plain := !term.IsTerminal(int(os.Stdout.Fd()))
		rendered, err := tui.NewRenderer(plain)(tui.SessionsTable(snaps, active))
		if err != nil {
			return err
		}
		fmt.Fprint(out, rendered)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("server", "http://localhost:8080", "Base URL of a running parley server")
	statusCmd.Flags().Bool("json", false, "Print snapshots as JSON")
}

// snapshotsFromServer lists sessions through the HTTP API. The live session is
// the one reported active.
func snapshotsFromServer(ctx context.Context, client *http.Client, baseURL string) ([]domain.Snapshot, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/sessions", nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("server answered %s", resp.Status)
	}

	var snaps []domain.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, "", fmt.Errorf("failed to decode sessions: %w", err)
	}
	active := ""
	for _, s := range snaps {
		if s.State == domain.StateActive {
			active = s.ID
		}
	}
	return snaps, active, nil
}

// snapshotsFromStore reads every stored snapshot and asks the lock which
// session is live. Entries that expire between List and Load are skipped.
func snapshotsFromStore(ctx context.Context, store ports.SnapshotStore, lock ports.ExclusivityLock) ([]domain.Snapshot, string, error) {
	ids, err := store.List(ctx)
	if err != nil {
		return nil, "", err
	}
	snaps := make([]domain.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := store.Load(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		snaps = append(snaps, *snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	owner, held, err := lock.Owner(ctx)
	if err != nil {
		return nil, "", err
	}
	if !held {
		owner = ""
	}
	return snaps, owner, nil
}
