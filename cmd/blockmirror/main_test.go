package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/services/query"
	"github.com/haukened/blockmirror/internal/mirror/services/syncer"
)

const listURI = "at://did:plc:owner/app.bsky.graph.list/mutes"

type fakeService struct {
	*httptest.Server
	deletes atomic.Int32
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	fs := &fakeService{}
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/app.bsky.graph.getList", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, listURI, r.URL.Query().Get("list"))
		item := func(h, rkey string) map[string]any {
			return map[string]any{
				"uri":     "at://did:plc:owner/app.bsky.graph.listitem/" + rkey,
				"subject": map[string]any{"did": "did:plc:" + rkey, "handle": h},
			}
		}
		resp := map[string]any{"list": map[string]any{"uri": listURI, "listItemCount": 3}}
		switch r.URL.Query().Get("cursor") {
		case "":
			resp["items"] = []any{item("alice.test", "a"), item("bob.test", "b")}
			resp["cursor"] = "c1"
		default:
			resp["items"] = []any{item("carol.test", "c")}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/xrpc/com.atproto.identity.resolveHandle", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"did": "did:plc:dave"})
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uri": "at://did:plc:owner/app.bsky.graph.listitem/d",
			"cid": "bafy",
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.deleteRecord", func(w http.ResponseWriter, r *http.Request) {
		fs.deletes.Add(1)
		_, _ = w.Write([]byte("{}"))
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func setEnv(t *testing.T, serviceURL, dbPath string) {
	t.Helper()
	t.Setenv("BLOCKMIRROR_ENV", "dev")
	t.Setenv("BLOCKMIRROR_LOG_LEVEL", "error")
	t.Setenv("BLOCKMIRROR_SERVICE_URL", serviceURL)
	t.Setenv("BLOCKMIRROR_DB_PATH", dbPath)
	t.Setenv("BLOCKMIRROR_RETRY_BASE_DELAY", "1ms")
	t.Setenv("BLOCKMIRROR_RETRY_MAX_DELAY", "2ms")
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runCmd(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func TestRun_Usage(t *testing.T) {
	r := runCmd(t, "")
	assert.Equal(t, exitUsage, r.code)
	assert.Contains(t, r.stderr, "usage: blockmirror")

	r = runCmd(t, "", "help")
	assert.Equal(t, exitOK, r.code)

	r = runCmd(t, "", "version")
	assert.Equal(t, exitOK, r.code)
	assert.Equal(t, "blockmirror "+version+"\n", r.stdout)
}

func TestRun_ConfigurationError(t *testing.T) {
	t.Setenv("BLOCKMIRROR_SERVICE_URL", "not a url")
	r := runCmd(t, "", "count", listURI)
	assert.Equal(t, exitFailure, r.code)
	assert.Contains(t, r.stderr, "Configuration error")
}

func TestRun_BadArguments(t *testing.T) {
	svc := newFakeService(t)
	setEnv(t, svc.URL, filepath.Join(t.TempDir(), "mirror.db"))

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"frobnicate"}},
		{"load without list", []string{"load"}},
		{"add without handle", []string{"add", listURI}},
		{"search without query", []string{"search", listURI}},
		{"bad flag", []string{"page", "-nope", listURI}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := runCmd(t, "", tc.args...)
			assert.Equal(t, exitUsage, r.code)
			assert.Contains(t, r.stderr, "usage: blockmirror")
		})
	}
}

func TestRun_EndToEnd(t *testing.T) {
	svc := newFakeService(t)
	dir := t.TempDir()
	setEnv(t, svc.URL, filepath.Join(dir, "mirror.db"))

	r := runCmd(t, "", "load", listURI)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, "3\n", r.stdout)

	r = runCmd(t, "", "count", listURI)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, "3\n", r.stdout)

	r = runCmd(t, "", "page", "-size", "2", listURI)
	require.Equal(t, exitOK, r.code, r.stderr)
	var page []domain.BlockedUser
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &page))
	require.Len(t, page, 2)
	assert.Equal(t, "alice.test", page[0].Handle)
	assert.Equal(t, "bob.test", page[1].Handle)

	r = runCmd(t, "", "search", listURI, "AROL")
	require.Equal(t, exitOK, r.code, r.stderr)
	var found query.SearchResult
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &found))
	assert.Equal(t, 1, found.Total)
	assert.Equal(t, "carol.test", found.Users[0].Handle)

	r = runCmd(t, "", "search", "-prefix", listURI, "b")
	require.Equal(t, exitOK, r.code, r.stderr)
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &found))
	assert.Equal(t, 1, found.Total)

	r = runCmd(t, "", "blocked", "@Bob.test", listURI)
	assert.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, "true\n", r.stdout)

	r = runCmd(t, "", "blocked", "zed.test", listURI)
	assert.Equal(t, exitNotBlocked, r.code)
	assert.Equal(t, "false\n", r.stdout)

	r = runCmd(t, "", "add", listURI, "dave.test")
	require.Equal(t, exitOK, r.code, r.stderr)
	var added domain.BlockedUser
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &added))
	assert.Equal(t, "dave.test", added.Handle)
	assert.False(t, added.IsPending())

	r = runCmd(t, "", "remove", listURI, "alice.test")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, int32(1), svc.deletes.Load())

	r = runCmd(t, "", "page", listURI)
	require.Equal(t, exitOK, r.code, r.stderr)
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &page))
	handles := make([]string, 0, len(page))
	for _, u := range page {
		handles = append(handles, u.Handle)
	}
	assert.Equal(t, []string{"dave.test", "bob.test", "carol.test"}, handles)

	exportPath := filepath.Join(dir, "export.json")
	r = runCmd(t, "", "export", "-o", exportPath)
	require.Equal(t, exitOK, r.code, r.stderr)
	raw, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Len(t, snap.BlockedUsers, 3)

	// Import into a second database, twice.
	t.Setenv("BLOCKMIRROR_DB_PATH", filepath.Join(dir, "copy.db"))
	r = runCmd(t, "", "import", "-i", exportPath)
	require.Equal(t, exitOK, r.code, r.stderr)
	var res syncer.ImportResult
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &res))
	assert.Equal(t, 3, res.Added)

	r = runCmd(t, string(raw), "import")
	require.Equal(t, exitOK, r.code, r.stderr)
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &res))
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 3, res.Skipped)

	r = runCmd(t, "", "count", listURI)
	assert.Equal(t, "3\n", r.stdout)
}

func TestRun_ImportRejectsGarbage(t *testing.T) {
	svc := newFakeService(t)
	setEnv(t, svc.URL, filepath.Join(t.TempDir(), "mirror.db"))

	r := runCmd(t, "{not json", "import")
	assert.Equal(t, exitFailure, r.code)
	assert.Contains(t, r.stderr, "reading snapshot")

	r = runCmd(t, `{"version": 42}`, "import")
	assert.Equal(t, exitFailure, r.code)
	assert.Contains(t, r.stderr, "unsupported snapshot version")
}

func TestRun_RemoteFailureIsReported(t *testing.T) {
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"AuthRequired","message":"no session"}`))
	}))
	t.Cleanup(svc.Close)
	setEnv(t, svc.URL, filepath.Join(t.TempDir(), "mirror.db"))

	r := runCmd(t, "", "load", listURI)
	assert.Equal(t, exitFailure, r.code)
	assert.Contains(t, r.stderr, "load:")
	assert.Contains(t, r.stderr, "AuthRequired")
}
