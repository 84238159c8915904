package sync_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"stash/internal/stash"
	stashsync "stash/internal/sync"
	"stash/internal/testutil"
)

type syncServer struct {
	registers []map[string]string
	requests  []map[string]any
	reply     map[string]any
	user      string
	pass      string
}

func newSyncServer(t *testing.T, reply map[string]any) (*syncServer, *httptest.Server) {
	t.Helper()
	s := &syncServer{reply: reply}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.user != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.user || pass != s.pass {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		switch r.URL.Path {
		case "/register":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.registers = append(s.registers, body)
			w.WriteHeader(http.StatusOK)
		case "/sync":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.requests = append(s.requests, body)
			json.NewEncoder(w).Encode(s.reply)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return s, ts
}

func TestSyncer_Sync(t *testing.T) {
	t.Run("registers once, pushes changes, pulls updates, advances watermark", func(t *testing.T) {
		store := testutil.NewTestStore(t)

		local := &stash.Backup{
			Filename:       "data",
			StoredFilename: "data.20240115103000.tgz",
			Backend:        stash.DestinationS3,
			BackendHash:    "hash-1",
			BackupDate:     1705314600,
			LastUpdated:    1705314600,
		}
		if err := store.Insert(local); err != nil {
			t.Fatal(err)
		}

		remote := map[string]any{
			"sync_ts": 1705400000,
			"updated": []any{map[string]any{
				"filename":        "remote-data",
				"stored_filename": "remote-data.20240114090000.tgz",
				"backend":         "s3",
				"backend_hash":    "hash-1",
				"backup_date":     1705222800,
				"last_updated":    1705222800,
				"size":            42,
				"is_deleted":      false,
				"metadata":        map[string]any{"is_enc": false, "is_gzipped": true},
			}},
		}
		server, ts := newSyncServer(t, remote)

		syncer := stashsync.NewSyncer(ts.URL, "", "", store, stash.NewNopLogger(), testutil.NewStubIDGenerator())

		if err := syncer.Sync(); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}

		if len(server.registers) != 1 {
			t.Fatalf("registers = %d, want 1", len(server.registers))
		}
		if server.registers[0]["client_id"] == "" {
			t.Error("register carried no client_id")
		}

		if len(server.requests) != 1 {
			t.Fatalf("sync requests = %d, want 1", len(server.requests))
		}
		req := server.requests[0]
		if req["sync_ts"].(float64) != 0 {
			t.Errorf("sync_ts = %v, want 0", req["sync_ts"])
		}
		pushed := req["new"].([]any)
		if len(pushed) != 1 {
			t.Fatalf("pushed %d records, want 1", len(pushed))
		}

		// Remote record was upserted.
		got, err := store.MatchOne("remote-data", []stash.Destination{stash.DestinationS3}, []string{"hash-1"})
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.Size != 42 {
			t.Errorf("remote record = %+v, want size 42", got)
		}

		// Watermark advanced to the server's timestamp.
		value, ok, err := store.GetConfig("sync_ts")
		if err != nil || !ok {
			t.Fatalf("GetConfig() = %v, %v", ok, err)
		}
		if value != "1705400000" {
			t.Errorf("watermark = %q, want 1705400000", value)
		}

		// A second sync reuses the client id and pushes nothing new.
		if err := syncer.Sync(); err != nil {
			t.Fatalf("second Sync() error = %v", err)
		}
		if len(server.registers) != 1 {
			t.Errorf("registers = %d after second sync, want 1", len(server.registers))
		}
	})

	t.Run("basic auth", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		server, ts := newSyncServer(t, map[string]any{"sync_ts": 1, "updated": []any{}})
		server.user, server.pass = "alice", "s3cret"

		syncer := stashsync.NewSyncer(ts.URL, "alice", "s3cret", store, stash.NewNopLogger(), testutil.NewStubIDGenerator())
		if err := syncer.Sync(); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}

		bad := stashsync.NewSyncer(ts.URL, "alice", "wrong", store, stash.NewNopLogger(), testutil.NewStubIDGenerator())
		if err := bad.Sync(); err == nil {
			t.Error("Sync() error = nil with bad credentials, want error")
		}
	})

	t.Run("reset rewinds the watermark", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		_, ts := newSyncServer(t, map[string]any{"sync_ts": 99, "updated": []any{}})

		syncer := stashsync.NewSyncer(ts.URL, "", "", store, stash.NewNopLogger(), testutil.NewStubIDGenerator())
		if err := syncer.Sync(); err != nil {
			t.Fatal(err)
		}
		if err := syncer.Reset(); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}

		value, _, err := store.GetConfig("sync_ts")
		if err != nil {
			t.Fatal(err)
		}
		if value != "0" {
			t.Errorf("watermark = %q, want 0", value)
		}
	})

	t.Run("SyncAuto never fails the caller", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		syncer := stashsync.NewSyncer("http://127.0.0.1:0", "", "", store, stash.NewNopLogger(), testutil.NewStubIDGenerator())
		// Endpoint is unreachable; must not panic.
		syncer.SyncAuto()
	})
}
