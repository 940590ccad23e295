package cli

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryanbastic/go-sheetsync/internal/api"
	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/shard"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
)

type liveServer struct {
	url    string
	broker *broker.Broker
}

func startServer(t *testing.T) liveServer {
	t.Helper()
	t.Setenv("SHEETCTL_USER_ID", "")
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "cli.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	lanes := shard.NewLanes(2, 64, logger)
	t.Cleanup(lanes.Close)
	eng := engine.New(store, logger)
	b := broker.New(broker.Deps{Store: store, Engine: eng, Lanes: lanes, Logger: logger})

	srv := httptest.NewServer(api.NewServer(api.Deps{
		Logger:       logger,
		Store:        store,
		Engine:       eng,
		Broker:       b,
		SendQueue:    256,
		WriteTimeout: time.Second,
	}))
	t.Cleanup(srv.Close)
	return liveServer{url: srv.URL, broker: b}
}

// run executes sheetctl as userID against the server and returns stdout.
func (s liveServer) run(t *testing.T, userID int64, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{
		"--server", s.url,
		"--user-id", strconv.FormatInt(userID, 10),
		"--username", "user" + strconv.FormatInt(userID, 10),
		"--timeout", "5s",
	}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (s liveServer) mustRun(t *testing.T, userID int64, args ...string) string {
	t.Helper()
	out, err := s.run(t, userID, args...)
	require.NoError(t, err, "sheetctl %v", args)
	return out
}
