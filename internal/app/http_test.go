package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

type httpEnv struct {
	*testEnv
	server *httptest.Server
}

func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	env := newTestEnv(t)
	server := httptest.NewServer(NewHTTPServer(env.service, "*").Handler())
	t.Cleanup(server.Close)
	return &httpEnv{testEnv: env, server: server}
}

func (e *httpEnv) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *httpEnv) loginHTTP(t *testing.T, username, password string) string {
	t.Helper()
	resp, body := e.request(t, http.MethodPost, "/api/session/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d body %v", username, resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login %s returned no token", username)
	}
	return token
}

func projectPath(key, sub string) string {
	path := "/api/projects/" + url.PathEscape(key)
	if sub != "" {
		path += "/" + sub
	}
	return path
}

func TestHTTPHealth(t *testing.T) {
	env := newHTTPEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Errorf("health body: %v", body)
	}

	resp, body = env.request(t, http.MethodGet, "/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: status %d", resp.StatusCode)
	}
	if body["status"] != "ready" {
		t.Errorf("ready body: %v", body)
	}
}

func TestHTTPRequiresAuth(t *testing.T) {
	env := newHTTPEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/projects", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Errorf("unexpected error body: %v", body)
	}

	resp, _ = env.request(t, http.MethodGet, "/api/projects", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token: expected 401, got %d", resp.StatusCode)
	}
}

func TestHTTPEditLockScenario(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()

	if _, err := env.service.CreateUser(ctx, "alice", "pw-alice", "user"); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if _, err := env.service.CreateUser(ctx, "bob", "pw-bob", "user"); err != nil {
		t.Fatalf("create bob: %v", err)
	}
	aliceToken := env.loginHTTP(t, "alice", "pw-alice")
	bobToken := env.loginHTTP(t, "bob", "pw-bob")

	resp, _ := env.request(t, http.MethodPost, "/api/projects", aliceToken, map[string]string{"key": "my site"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, projectPath("my site", "edit"), aliceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alice edit: status %d body %v", resp.StatusCode, body)
	}
	if body["can_edit"] != true || body["editor"] != "alice" {
		t.Errorf("alice should hold the lock: %v", body)
	}

	resp, body = env.request(t, http.MethodPost, projectPath("my site", "edit"), bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bob edit: status %d", resp.StatusCode)
	}
	if body["can_edit"] != false || body["in_queue"] != true || body["notify"] != true {
		t.Errorf("bob should queue with notification: %v", body)
	}

	resp, body = env.request(t, http.MethodPost, projectPath("my site", "save"), bobToken, map[string]string{"content": "<p>bob</p>"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("bob save: expected 409, got %d (%v)", resp.StatusCode, body)
	}
	if body["code"] != "CONFLICT" {
		t.Errorf("bob save error body: %v", body)
	}

	resp, _ = env.request(t, http.MethodPost, projectPath("my site", "save"), aliceToken, map[string]string{"content": "<p>alice</p>"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alice save: status %d", resp.StatusCode)
	}

	resp, body = env.request(t, http.MethodGet, projectPath("my site", "content"), bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("content: status %d", resp.StatusCode)
	}
	if body["content"] != "<p>alice</p>" {
		t.Errorf("unexpected content: %v", body["content"])
	}

	resp, body = env.request(t, http.MethodPost, projectPath("my site", "heartbeat"), aliceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: status %d", resp.StatusCode)
	}
	if body["can_edit"] != true {
		t.Errorf("heartbeat should confirm alice: %v", body)
	}
}

func TestHTTPHeartbeatWithoutSession(t *testing.T) {
	env := newHTTPEnv(t)

	if _, err := env.service.CreateUser(context.Background(), "alice", "pw-alice", "user"); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	token := env.loginHTTP(t, "alice", "pw-alice")

	resp, _ := env.request(t, http.MethodPost, "/api/projects", token, map[string]string{"key": "site"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, projectPath("site", "heartbeat"), token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("heartbeat without session: expected 404, got %d (%v)", resp.StatusCode, body)
	}
}

func TestHTTPVisibilityDuplicateGrant(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()

	if _, err := env.service.CreateUser(ctx, "alice", "pw-alice", "user"); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if _, err := env.service.CreateUser(ctx, "bob", "pw-bob", "user"); err != nil {
		t.Fatalf("create bob: %v", err)
	}
	token := env.loginHTTP(t, "alice", "pw-alice")

	resp, _ := env.request(t, http.MethodPost, "/api/projects", token, map[string]string{"key": "site"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d", resp.StatusCode)
	}

	grant := map[string]string{"role": "user", "username": "bob"}
	resp, _ = env.request(t, http.MethodPost, projectPath("site", "visibility"), token, grant)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first grant: status %d", resp.StatusCode)
	}
	resp, body := env.request(t, http.MethodPost, projectPath("site", "visibility"), token, grant)
	if resp.StatusCode != http.StatusConflict || body["code"] != "DUPLICATE_GRANT" {
		t.Errorf("duplicate grant: got %d %v", resp.StatusCode, body)
	}
}

func TestHTTPShareIsPublic(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()

	if _, err := env.service.CreateUser(ctx, "alice", "pw-alice", "user"); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	token := env.loginHTTP(t, "alice", "pw-alice")

	resp, _ := env.request(t, http.MethodPost, "/api/projects", token, map[string]string{"key": "site"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, projectPath("site", "share"), token, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create share: status %d body %v", resp.StatusCode, body)
	}
	shareID, _ := body["share_id"].(string)
	if shareID == "" {
		t.Fatalf("no share id in %v", body)
	}

	// No Authorization header at all.
	resp, body = env.request(t, http.MethodGet, "/share/"+shareID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public share read: status %d", resp.StatusCode)
	}
	if body["project"] != "site" {
		t.Errorf("share payload: %v", body)
	}

	resp, body = env.request(t, http.MethodGet, "/share/"+shareID+"/name", "", nil)
	if resp.StatusCode != http.StatusOK || body["project"] != "site" {
		t.Errorf("share name: status %d body %v", resp.StatusCode, body)
	}

	resp, _ = env.request(t, http.MethodGet, "/share/shr_does_not_exist", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown share: expected 404, got %d", resp.StatusCode)
	}
}

func TestHTTPHomePageIsPublic(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()

	resp, _ := env.request(t, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unconfigured home: expected 404, got %d", resp.StatusCode)
	}

	adminToken := env.loginHTTP(t, "admin", "admin-pass")
	if _, err := env.service.CreateUser(ctx, "alice", "pw-alice", "user"); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	token := env.loginHTTP(t, "alice", "pw-alice")

	resp, _ = env.request(t, http.MethodPost, "/api/projects", token, map[string]string{"key": "landing"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPut, "/api/home", adminToken, map[string]string{"project": "landing"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set home: status %d", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusOK || body["project"] != "landing" {
		t.Errorf("home page: status %d body %v", resp.StatusCode, body)
	}
}

func TestHTTPFavoritesAndRename(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()

	if _, err := env.service.CreateUser(ctx, "alice", "pw-alice", "user"); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	token := env.loginHTTP(t, "alice", "pw-alice")

	resp, _ := env.request(t, http.MethodPost, "/api/projects", token, map[string]string{"key": "site"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPost, projectPath("site", "favorite"), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("favorite: status %d", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodGet, "/api/favorites", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("favorites: status %d", resp.StatusCode)
	}
	favorites, _ := body["favorites"].([]any)
	if len(favorites) != 1 || favorites[0] != "site" {
		t.Errorf("favorites payload: %v", body)
	}

	resp, body = env.request(t, http.MethodPost, projectPath("site", "rename"), token, map[string]string{"key": "portfolio"})
	if resp.StatusCode != http.StatusOK || body["key"] != "portfolio" {
		t.Fatalf("rename: status %d body %v", resp.StatusCode, body)
	}

	// Favorites follow the project to its new key.
	resp, body = env.request(t, http.MethodGet, "/api/favorites", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("favorites after rename: status %d", resp.StatusCode)
	}
	favorites, _ = body["favorites"].([]any)
	if len(favorites) != 1 || favorites[0] != "portfolio" {
		t.Errorf("favorites after rename: %v", body)
	}
}

func TestHTTPUserAdminEndpoints(t *testing.T) {
	env := newHTTPEnv(t)

	adminToken := env.loginHTTP(t, "admin", "admin-pass")

	resp, body := env.request(t, http.MethodPost, "/api/users", adminToken, map[string]string{
		"username": "newbie",
		"password": "secret",
		"role":     "viewer",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: status %d body %v", resp.StatusCode, body)
	}
	userID, _ := body["id"].(string)

	userToken := env.loginHTTP(t, "newbie", "secret")

	// Non-admins are locked out of user administration.
	resp, _ = env.request(t, http.MethodGet, "/api/users", userToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("list users as viewer: expected 403, got %d", resp.StatusCode)
	}

	resp, body = env.request(t, http.MethodGet, "/api/users", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list users: status %d", resp.StatusCode)
	}
	users, _ := body["users"].([]any)
	if len(users) != 2 {
		t.Errorf("expected admin and newbie, got %v", body)
	}

	// Accounts cannot delete themselves.
	_, sessionBody := env.request(t, http.MethodGet, "/api/session", adminToken, nil)
	adminID, _ := sessionBody["userId"].(string)
	resp, _ = env.request(t, http.MethodDelete, fmt.Sprintf("/api/users/%s", adminID), adminToken, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("self delete: expected 422, got %d", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodDelete, fmt.Sprintf("/api/users/%s", userID), adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete user: status %d", resp.StatusCode)
	}
}

func TestHTTPAssist(t *testing.T) {
	env := newHTTPEnv(t)
	adminToken := env.loginHTTP(t, "admin", "admin-pass")

	resp, _ := env.request(t, http.MethodPost, "/api/assist", adminToken, map[string]string{"text": "draft an intro"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("assist before token: expected 503, got %d", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodPost, "/api/assist/token", adminToken, map[string]string{"token": "key-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set token: status %d", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, "/api/assist", adminToken, map[string]string{"text": "draft an intro"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assist: status %d body %v", resp.StatusCode, body)
	}
	if body["response"] != "key-1: draft an intro" {
		t.Errorf("assist response: %v", body)
	}
}

func TestHTTPLibraryPagination(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()

	if _, err := env.service.CreateUser(ctx, "alice", "pw-alice", "user"); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	token := env.loginHTTP(t, "alice", "pw-alice")

	for i := 0; i < 5; i++ {
		resp, _ := env.request(t, http.MethodPost, "/api/projects", token, map[string]string{"key": fmt.Sprintf("proj %d", i)})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create project %d: status %d", i, resp.StatusCode)
		}
	}

	resp, body := env.request(t, http.MethodGet, "/api/projects?page=2&per_page=2", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("library: status %d", resp.StatusCode)
	}
	if body["total"].(float64) != 5 {
		t.Errorf("total: %v", body["total"])
	}
	projects, _ := body["projects"].([]any)
	if len(projects) != 2 {
		t.Errorf("page 2 should hold 2 projects, got %d", len(projects))
	}
}
