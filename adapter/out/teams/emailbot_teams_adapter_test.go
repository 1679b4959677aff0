package teams

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"emailbot/core/port/out"
	"emailbot/core/service/auth"
	"emailbot/pkg/logger"
)

type staticTokens struct{}

func (staticTokens) GetToken(_ context.Context) (*auth.Token, error) {
	return &auth.Token{AccessToken: "test-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func testAdapter(t *testing.T, handler http.Handler) (*ChatAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a := NewChatAdapter(Config{
		BaseURL:            srv.URL,
		ProvisionPollTries: 3,
		ProvisionPollDelay: time.Millisecond,
	}, staticTokens{}, logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard}))
	return a, srv
}

func TestCreateGroupSkipsUnresolvableMembers(t *testing.T) {
	var created map[string]any
	var teamAttempts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimPrefix(r.URL.Path, "/users/")
		if strings.HasPrefix(addr, "ghost@") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "id-" + addr})
	})
	mux.HandleFunc("/groups", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&created)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "grp-1"})
	})
	mux.HandleFunc("/groups/grp-1/team", func(w http.ResponseWriter, r *http.Request) {
		// First attempt 404s while the group propagates.
		if teamAttempts.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	a, _ := testAdapter(t, mux)

	groupID, err := a.CreateGroup(context.Background(), &out.GroupSpec{
		DisplayName: "EmailBot-SUPPORT-20260824-1015-vpn",
		Owner:       "owner@corp.example",
		Members:     []string{"it@corp.example", "ghost@corp.example", "sec@corp.example"},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if groupID != "grp-1" {
		t.Errorf("group id = %q", groupID)
	}

	members, _ := created["members@odata.bind"].([]any)
	if len(members) != 2 {
		t.Errorf("resolved members = %v, want 2 (ghost skipped)", members)
	}
	if teamAttempts.Load() != 2 {
		t.Errorf("team provisioning attempts = %d, want retry after 404", teamAttempts.Load())
	}
}

func TestCreateGroupRequiresOneMember(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimPrefix(r.URL.Path, "/users/")
		if addr == "owner@corp.example" {
			json.NewEncoder(w).Encode(map[string]string{"id": "id-owner"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/groups", func(w http.ResponseWriter, r *http.Request) {
		t.Error("group must not be created without members")
	})

	a, _ := testAdapter(t, mux)

	_, err := a.CreateGroup(context.Background(), &out.GroupSpec{
		DisplayName: "EmailBot-SUPPORT-x",
		Owner:       "owner@corp.example",
		Members:     []string{"ghost1@corp.example", "ghost2@corp.example"},
	})
	if err == nil {
		t.Fatal("expected error when no member resolves")
	}
}

func TestPostMessageUsesPrimaryChannel(t *testing.T) {
	var posted map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/teams/grp-1/primaryChannel", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "chan-1"})
	})
	mux.HandleFunc("/teams/grp-1/channels/chan-1/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&posted)
		w.WriteHeader(http.StatusCreated)
	})

	a, _ := testAdapter(t, mux)

	if err := a.PostMessage(context.Background(), "grp-1", "<h2>Escalated</h2>"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	body, _ := posted["body"].(map[string]any)
	if body["contentType"] != "html" || body["content"] != "<h2>Escalated</h2>" {
		t.Errorf("posted body = %v", posted)
	}
}

func TestMailNickname(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"EmailBot-SUPPORT-20260824-1015-vpn", "emailbot-support-20260824-1015-vpn"},
		{"Group With Spaces!", "groupwithspaces"},
		{"", "emailbot-group"},
	}
	for _, tt := range tests {
		if got := mailNickname(tt.in); got != tt.want {
			t.Errorf("mailNickname(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
