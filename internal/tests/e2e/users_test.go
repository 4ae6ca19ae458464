//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/userdir/apiserver/config"
	"github.com/userdir/apiserver/internal/db"
	"github.com/userdir/apiserver/internal/server"
)

const (
	serverPort = 18080
)

var baseURL = fmt.Sprintf("http://localhost:%d", serverPort)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}
	setTestEnv(root)

	if err := dockerCompose(ctx, root, "up", "-d", "postgres"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown(context.Background())
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown(context.Background())
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

type userResponse struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	Followers []string `json:"followers"`
	Following []string `json:"following"`
}

type nearbyResponse struct {
	NearbyFriends []struct {
		ID       string  `json:"id"`
		Username string  `json:"username"`
		Distance float64 `json:"distance"`
	} `json:"nearby_friends"`
}

func TestUserLifecycle(t *testing.T) {
	suffix := time.Now().UnixNano()
	alice := createUser(t, fmt.Sprintf("alice_%d", suffix), 106.8456, -6.2088)

	status, _ := doJSON(t, http.MethodPost, "/users/", userPayload(alice.Username, 0, 0))
	assert.Equal(t, http.StatusConflict, status)

	status, body := doJSON(t, http.MethodPatch, "/users/"+alice.ID, map[string]any{"description": "updated"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = doJSON(t, http.MethodGet, "/users/username/"+alice.Username, nil)
	require.Equal(t, http.StatusOK, status)
	var fetched userResponse
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, alice.ID, fetched.ID)

	status, _ = doJSON(t, http.MethodDelete, "/users/"+alice.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = doJSON(t, http.MethodDelete, "/users/"+alice.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFollowGraphIsSymmetric(t *testing.T) {
	suffix := time.Now().UnixNano()
	alice := createUser(t, fmt.Sprintf("alice_%d", suffix), 0, 0)
	bob := createUser(t, fmt.Sprintf("bob_%d", suffix), 0, 0)

	for i := 0; i < 2; i++ {
		status, body := doJSON(t, http.MethodPatch, "/users/"+alice.ID+"/follow/"+bob.ID, nil)
		require.Equal(t, http.StatusOK, status, string(body))
	}
	assert.Equal(t, 1, countFollows(t, alice.ID, bob.ID))

	bobNow := getUser(t, bob.ID)
	assert.Equal(t, []string{alice.ID}, bobNow.Followers)

	status, _ := doJSON(t, http.MethodPatch, "/users/"+alice.ID+"/follow/"+alice.ID, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(t, http.MethodPatch, "/users/"+alice.ID+"/unfollow/"+bob.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, countFollows(t, alice.ID, bob.ID))
	assert.Empty(t, getUser(t, bob.ID).Followers)
}

func TestNearbyFriendsUsesPostGIS(t *testing.T) {
	suffix := time.Now().UnixNano()
	subject := createUser(t, fmt.Sprintf("subject_%d", suffix), 106.8456, -6.2088)
	near := createUser(t, fmt.Sprintf("near_%d", suffix), 106.8456, -6.2078)
	far := createUser(t, fmt.Sprintf("far_%d", suffix), 106.8456, -5.8088)
	createUser(t, fmt.Sprintf("stranger_%d", suffix), 106.8456, -6.2088)
	for _, target := range []userResponse{far, near} {
		status, _ := doJSON(t, http.MethodPatch, "/users/"+subject.ID+"/follow/"+target.ID, nil)
		require.Equal(t, http.StatusOK, status)
	}

	status, body := doJSON(t, http.MethodGet, "/users/"+subject.Username+"/nearby-friends?distance=10000", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var resp nearbyResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.NearbyFriends, 1)
	assert.Equal(t, near.ID, resp.NearbyFriends[0].ID)
	assert.InDelta(t, 111.2, resp.NearbyFriends[0].Distance, 1)

	status, body = doJSON(t, http.MethodGet, "/users/"+subject.Username+"/nearby-friends?distance=100000", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.NearbyFriends, 2)
	assert.Equal(t, far.ID, resp.NearbyFriends[1].ID)

	status, _ = doJSON(t, http.MethodGet, "/users/"+subject.Username+"/nearby-friends?distance=-3", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func userPayload(username string, lon, lat float64) map[string]any {
	return map[string]any{
		"username":    username,
		"name":        "E2E " + username,
		"dob":         "1990-05-17",
		"address":     "Jl. Test 1",
		"description": "end to end",
		"location": map[string]any{
			"type":        "Point",
			"coordinates": []float64{lon, lat},
		},
	}
}

func createUser(t *testing.T, username string, lon, lat float64) userResponse {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, "/users/", userPayload(username, lon, lat))
	require.Equal(t, http.StatusCreated, status, string(body))
	var user userResponse
	require.NoError(t, json.Unmarshal(body, &user))
	require.NotEmpty(t, user.ID)
	return user
}

func getUser(t *testing.T, id string) userResponse {
	t.Helper()
	status, body := doJSON(t, http.MethodGet, "/users/"+id, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var user userResponse
	require.NoError(t, json.Unmarshal(body, &user))
	return user
}

func doJSON(t *testing.T, method, path string, payload any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, bytes.TrimSpace(body)
}

func countFollows(t *testing.T, followerID, targetID string) int {
	t.Helper()
	conn, err := sqlx.Open("postgres", db.PostgresURL(config.LoadConfig().Database))
	require.NoError(t, err)
	defer conn.Close()

	var count int
	err = conn.Get(&count, `SELECT COUNT(*) FROM follows WHERE follower_id = $1 AND target_id = $2`, followerID, targetID)
	require.NoError(t, err)
	return count
}

func setTestEnv(root string) {
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("STORE_BACKEND", config.StorePostgres)
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "userdir")
	_ = os.Setenv("DB_PASSWORD", "password")
	_ = os.Setenv("DB_NAME", "userdir")
	_ = os.Setenv("DB_USE_SSL", "false")
	_ = os.Setenv("MQ_BACKEND", "")
	_ = os.Setenv("MIGRATIONS_DIR", filepath.Join(root, "internal", "db", "migrations"))
}

func waitForPostgres(ctx context.Context) error {
	conn, err := sqlx.Open("postgres", db.PostgresURL(config.LoadConfig().Database))
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations() error {
	cfg := config.LoadConfig()
	migrator, err := migrate.New("file://"+cfg.MigrationsDir, db.PostgresURL(cfg.Database))
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func startServer() (*server.Server, error) {
	cfg := config.LoadConfig()
	srv, err := server.New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
