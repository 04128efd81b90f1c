package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const townConfig = `{"maps":[{"id":"town","name":"Town","roads":[{"x0":0,"y0":0,"x1":10}]}]}`

const richTownConfig = `{
	"lootGeneratorConfig": {"period": 5.0, "probability": 0},
	"maps": [{
		"id": "town",
		"name": "Town",
		"roads": [{"x0":0,"y0":0,"x1":10}],
		"offices": [{"id":"o0","x":10,"y":0,"offsetX":0,"offsetY":0}],
		"lootTypes": [
			{"name":"key","file":"assets/key.obj","value":5},
			{"name":"wallet","file":"assets/wallet.obj","value":30}
		]
	}]
}`

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type testServer struct {
	app     *App
	handler http.Handler
}

func newTestServer(t *testing.T, configJSON string, opts AppOptions) *testServer {
	t.Helper()
	cfg, err := parseGameConfig([]byte(configJSON))
	if err != nil {
		t.Fatalf("parseGameConfig: %v", err)
	}
	if opts.RetireAfter == 0 {
		opts.RetireAfter = cfg.retireAfter()
	}
	app := newApp(newGame(cfg.buildMaps(), testRNG()), newPlayers(), opts)

	api := newStrand()
	stop := make(chan struct{})
	go api.run(stop)
	t.Cleanup(func() { close(stop) })

	handler, err := newMux(app, api, discardLogger(), "")
	if err != nil {
		t.Fatalf("newMux: %v", err)
	}
	return &testServer{app: app, handler: handler}
}

func (ts *testServer) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
}

func wantWireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code, message string) {
	t.Helper()
	wantStatus(t, rec, status)
	var eb errorBody
	decodeJSON(t, rec, &eb)
	if eb.Code != code || eb.Message != message {
		t.Fatalf("got %s %q, want %s %q", eb.Code, eb.Message, code, message)
	}
}

func (ts *testServer) join(t *testing.T, name, mapID string) joinResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/game/join", "", `{"userName":"`+name+`","mapId":"`+mapID+`"}`)
	wantStatus(t, rec, http.StatusOK)
	var out joinResponse
	decodeJSON(t, rec, &out)
	return out
}

func (ts *testServer) state(t *testing.T, token string) stateResponse {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/v1/game/state", token, "")
	wantStatus(t, rec, http.StatusOK)
	var out stateResponse
	decodeJSON(t, rec, &out)
	return out
}

func TestJoinAndInitialState(t *testing.T) {
	ts := newTestServer(t, townConfig, AppOptions{})

	rec := ts.do(t, http.MethodPost, "/api/v1/game/join", "", `{"userName":"A","mapId":"town"}`)
	wantStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	var joined joinResponse
	decodeJSON(t, rec, &joined)
	if !validToken(joined.AuthToken) {
		t.Fatalf("authToken %q is not 32 hex chars", joined.AuthToken)
	}
	if joined.PlayerID != 0 {
		t.Fatalf("first playerId should be 0, got %d", joined.PlayerID)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/game/state", joined.AuthToken, "")
	wantStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"lostObjects":[]`) {
		t.Fatalf("lostObjects must serialize as an array: %s", rec.Body.String())
	}
	var state stateResponse
	decodeJSON(t, rec, &state)
	dog, ok := state.Players["0"]
	if !ok {
		t.Fatalf("players should be keyed by dog id: %s", rec.Body.String())
	}
	if dog.Pos != [2]float64{0, 0} || dog.Speed != [2]float64{0, 0} || dog.Dir != "U" {
		t.Fatalf("fresh dog state wrong: %+v", dog)
	}
	if len(dog.Bag) != 0 || dog.Score != 0 {
		t.Fatalf("fresh dog should carry nothing: %+v", dog)
	}
	if !strings.Contains(rec.Body.String(), `"bag":[]`) {
		t.Fatalf("bag must serialize as an array: %s", rec.Body.String())
	}
}

func TestActionAndTickMoveTheDog(t *testing.T) {
	ts := newTestServer(t, townConfig, AppOptions{})
	joined := ts.join(t, "A", "town")

	rec := ts.do(t, http.MethodPost, "/api/v1/game/player/action", joined.AuthToken, `{"move":"R"}`)
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "{}" {
		t.Fatalf("action should answer an empty object, got %q", rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/game/tick", "", `{"timeDelta":500}`)
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "{}" {
		t.Fatalf("tick should answer an empty object, got %q", rec.Body.String())
	}

	dog := ts.state(t, joined.AuthToken).Players["0"]
	if dog.Pos != [2]float64{0.5, 0} || dog.Speed != [2]float64{1, 0} || dog.Dir != "R" {
		t.Fatalf("after 500ms east: %+v", dog)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/game/tick", "", `{"timeDelta":20000}`)
	wantStatus(t, rec, http.StatusOK)
	dog = ts.state(t, joined.AuthToken).Players["0"]
	if dog.Pos != [2]float64{10.4, 0} || dog.Speed != [2]float64{0, 0} {
		t.Fatalf("dog should be parked at the road edge: %+v", dog)
	}
	if dog.Dir != "R" {
		t.Fatalf("direction should survive the stop: %+v", dog)
	}
}

func TestLootPickupAndDeposit(t *testing.T) {
	ts := newTestServer(t, richTownConfig, AppOptions{})
	joined := ts.join(t, "A", "town")
	ts.app.game.session("town").restoreLoot([]*LostObject{{ID: 0, Type: 0, Pos: Point{5, 0}, Value: 5}}, 1)

	rec := ts.do(t, http.MethodPost, "/api/v1/game/player/action", joined.AuthToken, `{"move":"R"}`)
	wantStatus(t, rec, http.StatusOK)
	rec = ts.do(t, http.MethodPost, "/api/v1/game/tick", "", `{"timeDelta":6000}`)
	wantStatus(t, rec, http.StatusOK)

	state := ts.state(t, joined.AuthToken)
	if len(state.LostObjects) != 0 {
		t.Fatalf("loot should be picked up: %+v", state.LostObjects)
	}
	dog := state.Players["0"]
	if dog.Pos != [2]float64{6, 0} {
		t.Fatalf("dog should be short of the office: %+v", dog)
	}
	if len(dog.Bag) != 1 || dog.Bag[0] != (bagEntry{ID: 0, Type: 0}) {
		t.Fatalf("bag should hold the pickup: %+v", dog.Bag)
	}
	if dog.Score != 0 {
		t.Fatalf("picking up must not score: %+v", dog)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/game/tick", "", `{"timeDelta":10000}`)
	wantStatus(t, rec, http.StatusOK)

	dog = ts.state(t, joined.AuthToken).Players["0"]
	if len(dog.Bag) != 0 {
		t.Fatalf("office should empty the bag: %+v", dog.Bag)
	}
	if dog.Score != 5 {
		t.Fatalf("office should bank the value: %+v", dog)
	}
	if dog.Pos != [2]float64{10.4, 0} {
		t.Fatalf("dog should be parked past the office: %+v", dog)
	}
}

func TestRetirementFlow(t *testing.T) {
	t.Setenv(envDatabaseURL, filepath.Join(t.TempDir(), "records.db"))
	t.Setenv(envPoolSize, "")
	repo, err := openRecordsFromEnv()
	if err != nil {
		t.Fatalf("openRecordsFromEnv: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	config := `{"dogRetirementTime":1,"maps":[{"id":"town","name":"Town","roads":[{"x0":0,"y0":0,"x1":10}]}]}`
	ts := newTestServer(t, config, AppOptions{Records: repo})
	idler := ts.join(t, "A", "town")
	mover := ts.join(t, "B", "town")
	rec := ts.do(t, http.MethodPost, "/api/v1/game/player/action", mover.AuthToken, `{"move":"R"}`)
	wantStatus(t, rec, http.StatusOK)

	rec = ts.do(t, http.MethodPost, "/api/v1/game/tick", "", `{"timeDelta":1500}`)
	wantStatus(t, rec, http.StatusOK)

	rec = ts.do(t, http.MethodGet, "/api/v1/game/records", "", "")
	wantStatus(t, rec, http.StatusOK)
	var board []recordEntry
	decodeJSON(t, rec, &board)
	if len(board) != 1 || board[0] != (recordEntry{Name: "A", Score: 0, PlayTime: 1.5}) {
		t.Fatalf("leaderboard wrong: %+v", board)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/game/players", mover.AuthToken, "")
	wantStatus(t, rec, http.StatusOK)
	var roster map[string]playerEntry
	decodeJSON(t, rec, &roster)
	if len(roster) != 1 || roster["1"].Name != "B" {
		t.Fatalf("only the mover should remain: %+v", roster)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/game/state", idler.AuthToken, "")
	wantWireError(t, rec, http.StatusUnauthorized, "unknownToken", "Player token has not been found")
}

func TestRecordsPaging(t *testing.T) {
	fake := &fakeRecords{rows: []RetiredRecord{
		{Name: "A", Score: 30, PlayTime: time.Second},
		{Name: "B", Score: 20, PlayTime: 2 * time.Second},
		{Name: "C", Score: 10, PlayTime: 3 * time.Second},
	}}
	ts := newTestServer(t, townConfig, AppOptions{Records: fake})

	rec := ts.do(t, http.MethodGet, "/api/v1/game/records?start=1&maxItems=1", "", "")
	wantStatus(t, rec, http.StatusOK)
	var board []recordEntry
	decodeJSON(t, rec, &board)
	if len(board) != 1 || board[0] != (recordEntry{Name: "B", Score: 20, PlayTime: 2}) {
		t.Fatalf("paging wrong: %+v", board)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/game/records", "", "")
	wantStatus(t, rec, http.StatusOK)
	board = nil
	decodeJSON(t, rec, &board)
	if len(board) != 3 {
		t.Fatalf("default page should cover the board: %+v", board)
	}
}

func TestMapsEndpoints(t *testing.T) {
	ts := newTestServer(t, richTownConfig, AppOptions{})

	rec := ts.do(t, http.MethodGet, "/api/v1/maps", "", "")
	wantStatus(t, rec, http.StatusOK)
	var list []mapListEntry
	decodeJSON(t, rec, &list)
	if len(list) != 1 || list[0] != (mapListEntry{ID: "town", Name: "Town"}) {
		t.Fatalf("map list wrong: %+v", list)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/maps/town", "", "")
	wantStatus(t, rec, http.StatusOK)
	var info mapInfo
	decodeJSON(t, rec, &info)
	if info.ID != "town" || info.Name != "Town" {
		t.Fatalf("map info wrong: %+v", info)
	}
	if len(info.Roads) != 1 || info.Roads[0].X1 == nil || *info.Roads[0].X1 != 10 || info.Roads[0].Y1 != nil {
		t.Fatalf("roads should keep the config shape: %+v", info.Roads)
	}
	if len(info.Offices) != 1 || info.Offices[0].ID != "o0" {
		t.Fatalf("offices missing: %+v", info.Offices)
	}
	if len(info.LootTypes) != 2 || !strings.Contains(string(info.LootTypes[0]), `"file"`) {
		t.Fatalf("loot types should pass through verbatim: %s", rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/maps/atlantis", "", "")
	wantWireError(t, rec, http.StatusNotFound, "mapNotFound", "Map not found")

	rec = ts.do(t, http.MethodHead, "/api/v1/maps", "", "")
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD must not carry a body, got %q", rec.Body.String())
	}
	if cl := rec.Header().Get("Content-Length"); cl == "" || cl == "0" {
		t.Fatalf("HEAD should keep the computed Content-Length, got %q", cl)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	ts := newTestServer(t, townConfig, AppOptions{})
	joined := ts.join(t, "A", "town")
	const unknown = "0123456789abcdef0123456789abcdef"

	cases := []struct {
		name      string
		method    string
		target    string
		token     string
		body      string
		status    int
		code      string
		message   string
		wantAllow string
	}{
		{"maps wrong method", http.MethodDelete, "/api/v1/maps", "", "", 405, "invalidMethod", "Only GET/HEAD methods are allowed for this endpoint", "GET, HEAD"},
		{"join wrong method", http.MethodGet, "/api/v1/game/join", "", "", 405, "invalidMethod", "Only POST method is allowed for this endpoint", "POST"},
		{"state wrong method", http.MethodPost, "/api/v1/game/state", joined.AuthToken, "", 405, "invalidMethod", "Only GET/HEAD methods are allowed for this endpoint", "GET, HEAD"},
		{"join bad json", http.MethodPost, "/api/v1/game/join", "", "not json", 400, "invalidArgument", "Invalid JSON", ""},
		{"join missing fields", http.MethodPost, "/api/v1/game/join", "", `{"userName":"A"}`, 400, "invalidArgument", "Missing fields", ""},
		{"join empty name", http.MethodPost, "/api/v1/game/join", "", `{"userName":"","mapId":"town"}`, 400, "invalidArgument", "Invalid name", ""},
		{"join unknown map", http.MethodPost, "/api/v1/game/join", "", `{"userName":"A","mapId":"atlantis"}`, 404, "mapNotFound", "Map not found", ""},
		{"players no auth", http.MethodGet, "/api/v1/game/players", "", "", 401, "invalidToken", "Missing or invalid token", ""},
		{"players short token", http.MethodGet, "/api/v1/game/players", "deadbeef", "", 401, "invalidToken", "Missing or invalid token", ""},
		{"players unknown token", http.MethodGet, "/api/v1/game/players", unknown, "", 401, "unknownToken", "Player token has not been found", ""},
		{"state unknown token", http.MethodGet, "/api/v1/game/state", unknown, "", 401, "unknownToken", "Player token has not been found", ""},
		{"action no auth", http.MethodPost, "/api/v1/game/player/action", "", `{"move":"R"}`, 401, "invalidToken", "Missing or invalid token", ""},
		{"action bad json", http.MethodPost, "/api/v1/game/player/action", joined.AuthToken, "not json", 400, "invalidArgument", "Failed to parse action", ""},
		{"action missing move", http.MethodPost, "/api/v1/game/player/action", joined.AuthToken, `{"step":"R"}`, 400, "invalidArgument", "Field 'move' is required", ""},
		{"action bad move", http.MethodPost, "/api/v1/game/player/action", joined.AuthToken, `{"move":"X"}`, 400, "invalidArgument", "Invalid move value", ""},
		{"tick bad json", http.MethodPost, "/api/v1/game/tick", "", "not json", 400, "invalidArgument", "Failed to parse tick request JSON", ""},
		{"tick string delta", http.MethodPost, "/api/v1/game/tick", "", `{"timeDelta":"100"}`, 400, "invalidArgument", "Failed to parse tick request JSON", ""},
		{"tick missing delta", http.MethodPost, "/api/v1/game/tick", "", `{}`, 400, "invalidArgument", "Missing timeDelta", ""},
		{"tick negative delta", http.MethodPost, "/api/v1/game/tick", "", `{"timeDelta":-5}`, 400, "invalidArgument", "Invalid timeDelta", ""},
		{"records bad start", http.MethodGet, "/api/v1/game/records?start=x", "", "", 400, "invalidArgument", "Invalid start value", ""},
		{"records bad maxItems", http.MethodGet, "/api/v1/game/records?maxItems=x", "", "", 400, "invalidArgument", "Invalid maxItems value", ""},
		{"records oversized page", http.MethodGet, "/api/v1/game/records?maxItems=101", "", "", 400, "invalidArgument", "Invalid maxItems value", ""},
		{"unknown api path", http.MethodGet, "/api/v1/nothing", "", "", 400, "invalidArgument", "Unknown API endpoint", ""},
		{"nested map path", http.MethodGet, "/api/v1/maps/town/extra", "", "", 400, "invalidArgument", "Unknown API endpoint", ""},
		{"maps subtree root", http.MethodGet, "/api/v1/maps/", "", "", 400, "invalidArgument", "Unknown API endpoint", ""},
	}
	for _, tc := range cases {
		rec := ts.do(t, tc.method, tc.target, tc.token, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: status %d, want %d (body %s)", tc.name, rec.Code, tc.status, rec.Body.String())
		}
		var eb errorBody
		decodeJSON(t, rec, &eb)
		if eb.Code != tc.code || eb.Message != tc.message {
			t.Fatalf("%s: got %s %q, want %s %q", tc.name, eb.Code, eb.Message, tc.code, tc.message)
		}
		if tc.wantAllow != "" && rec.Header().Get("Allow") != tc.wantAllow {
			t.Fatalf("%s: Allow = %q, want %q", tc.name, rec.Header().Get("Allow"), tc.wantAllow)
		}
	}
}

func TestTickDisabledUnderAutoTick(t *testing.T) {
	ts := newTestServer(t, townConfig, AppOptions{AutoTick: true})
	rec := ts.do(t, http.MethodPost, "/api/v1/game/tick", "", `{"timeDelta":100}`)
	wantWireError(t, rec, http.StatusBadRequest, "invalidArgument", "Invalid endpoint")
}

func TestNonAPIWithoutWWWRoot(t *testing.T) {
	ts := newTestServer(t, townConfig, AppOptions{})
	rec := ts.do(t, http.MethodGet, "/index.html", "", "")
	wantWireError(t, rec, http.StatusNotFound, "notFound", "Not found")
}

func TestStaticFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>home</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "page.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write page: %v", err)
	}

	cfg, err := parseGameConfig([]byte(townConfig))
	if err != nil {
		t.Fatalf("parseGameConfig: %v", err)
	}
	app := newApp(newGame(cfg.buildMaps(), testRNG()), newPlayers(), AppOptions{})
	api := newStrand()
	stop := make(chan struct{})
	go api.run(stop)
	t.Cleanup(func() { close(stop) })
	handler, err := newMux(app, api, discardLogger(), root)
	if err != nil {
		t.Fatalf("newMux: %v", err)
	}
	ts := &testServer{app: app, handler: handler}

	rec := ts.do(t, http.MethodGet, "/", "", "")
	wantStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "home") {
		t.Fatalf("directory should serve index.html, got %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}

	rec = ts.do(t, http.MethodGet, "/sub/page.txt", "", "")
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "hello" {
		t.Fatalf("file body = %q", rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/missing.txt", "", "")
	wantStatus(t, rec, http.StatusNotFound)
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("missing file Content-Type = %q", ct)
	}
	if rec.Body.String() != "Not Found" {
		t.Fatalf("missing file body = %q", rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/../../etc/passwd", "", "")
	if rec.Code == http.StatusOK {
		t.Fatalf("path traversal must not serve files: %q", rec.Body.String())
	}

	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "leak.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	rec = ts.do(t, http.MethodGet, "/leak.txt", "", "")
	wantStatus(t, rec, http.StatusBadRequest)
	if rec.Body.String() != "Bad Request" {
		t.Fatalf("symlink escape body = %q", rec.Body.String())
	}
}
