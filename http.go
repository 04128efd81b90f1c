package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Wire shapes. Pointer fields in requests distinguish a missing field
// from a zero value.

type joinRequest struct {
	UserName *string `json:"userName"`
	MapID    *string `json:"mapId"`
}

type joinResponse struct {
	AuthToken string `json:"authToken"`
	PlayerID  int    `json:"playerId"`
}

type playerEntry struct {
	Name string `json:"name"`
}

type bagEntry struct {
	ID   int `json:"id"`
	Type int `json:"type"`
}

type dogState struct {
	Pos   [2]float64 `json:"pos"`
	Speed [2]float64 `json:"speed"`
	Dir   string     `json:"dir"`
	Bag   []bagEntry `json:"bag"`
	Score int        `json:"score"`
}

type lootState struct {
	ID   int        `json:"id"`
	Type int        `json:"type"`
	Pos  [2]float64 `json:"pos"`
}

type stateResponse struct {
	Players     map[string]dogState `json:"players"`
	LostObjects []lootState         `json:"lostObjects"`
}

type mapListEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// mapInfo reuses the config field layout so the response mirrors the
// document the map was loaded from.
type mapInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Roads     []RoadConfig      `json:"roads"`
	Buildings []BuildingConfig  `json:"buildings"`
	Offices   []OfficeConfig    `json:"offices"`
	LootTypes []json.RawMessage `json:"lootTypes"`
}

type recordEntry struct {
	Name     string  `json:"name"`
	Score    int     `json:"score"`
	PlayTime float64 `json:"playTime"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func httpStatusFor(code string) int {
	switch code {
	case errInvalidArgument:
		return http.StatusBadRequest
	case errInvalidMethod:
		return http.StatusMethodNotAllowed
	case errInvalidToken, errUnknownToken:
		return http.StatusUnauthorized
	case errMapNotFound, errNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeJSON sends v with the standard API headers. HEAD responses keep the
// computed Content-Length but no body.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"code":"internalError","message":"Response serialization failed"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

var bearerToken = regexp.MustCompile(`^Bearer\s([0-9a-fA-F]{32})$`)

func tokenFromRequest(r *http.Request) (string, bool) {
	m := bearerToken.FindStringSubmatch(r.Header.Get("Authorization"))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// onStrand runs fn on the API strand and waits for its result. The request
// context bounds the wait.
func onStrand[T any](r *http.Request, s *strand, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	out, err := ask(r.Context(), s, func() result {
		v, e := fn()
		return result{v, e}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.val, out.err
}

func onStrandCall(r *http.Request, s *strand, fn func() error) error {
	_, err := onStrand(r, s, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// apiHandler owns everything under /api/. Paths are matched exactly; the
// method allow-list, auth and body parsing happen here, and only the
// application call itself crosses onto the strand.
type apiHandler struct {
	app    *App
	strand *strand
}

func (h *apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/maps":
		h.handleMaps(w, r)
	case "/api/v1/game/join":
		h.handleJoin(w, r)
	case "/api/v1/game/players":
		h.handlePlayers(w, r)
	case "/api/v1/game/state":
		h.handleState(w, r)
	case "/api/v1/game/player/action":
		h.handleAction(w, r)
	case "/api/v1/game/tick":
		h.handleTick(w, r)
	case "/api/v1/game/records":
		h.handleRecords(w, r)
	default:
		const mapsPrefix = "/api/v1/maps/"
		if id := strings.TrimPrefix(r.URL.Path, mapsPrefix); id != r.URL.Path && id != "" && !strings.Contains(id, "/") {
			h.handleMapInfo(w, r, id)
			return
		}
		h.writeError(w, r, appErr(errInvalidArgument, "Unknown API endpoint"))
	}
}

func (h *apiHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *AppError
	if !errors.As(err, &ae) {
		ae = appErr(errInternal, "Internal server error")
	}
	writeJSON(w, r, httpStatusFor(ae.Code), errorBody{Code: ae.Code, Message: ae.Message})
}

// allow rejects methods outside the list with 405 and an Allow header.
func (h *apiHandler) allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	message := "Only POST method is allowed for this endpoint"
	if methods[0] != http.MethodPost {
		message = "Only GET/HEAD methods are allowed for this endpoint"
	}
	h.writeError(w, r, appErr(errInvalidMethod, message))
	return false
}

func (h *apiHandler) handleMaps(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	handles, err := onStrand(r, h.strand, func() ([]MapHandle, error) {
		return h.app.MapsShortInfo(), nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body := make([]mapListEntry, 0, len(handles))
	for _, m := range handles {
		body = append(body, mapListEntry{ID: m.ID, Name: m.Name})
	}
	writeJSON(w, r, http.StatusOK, body)
}

func (h *apiHandler) handleMapInfo(w http.ResponseWriter, r *http.Request, id string) {
	if !h.allow(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	m, err := onStrand(r, h.strand, func() (*Map, error) {
		return h.app.MapInfo(id)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, mapInfoBody(m))
}

func mapInfoBody(m *Map) mapInfo {
	info := mapInfo{
		ID:        m.ID,
		Name:      m.Name,
		Roads:     make([]RoadConfig, 0, len(m.Roads)),
		Buildings: make([]BuildingConfig, 0, len(m.Buildings)),
		Offices:   make([]OfficeConfig, 0, len(m.Offices)),
		LootTypes: make([]json.RawMessage, 0, len(m.LootTypes)),
	}
	for _, road := range m.Roads {
		rc := RoadConfig{X0: road.X0, Y0: road.Y0}
		if road.horizontal() {
			x1 := road.X1
			rc.X1 = &x1
		} else {
			y1 := road.Y1
			rc.Y1 = &y1
		}
		info.Roads = append(info.Roads, rc)
	}
	for _, b := range m.Buildings {
		info.Buildings = append(info.Buildings, BuildingConfig(b))
	}
	for _, o := range m.Offices {
		info.Offices = append(info.Offices, OfficeConfig(o))
	}
	for _, lt := range m.LootTypes {
		info.LootTypes = append(info.LootTypes, lt.Raw)
	}
	return info
}

func (h *apiHandler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, appErr(errInvalidArgument, "Invalid JSON"))
		return
	}
	if req.UserName == nil || req.MapID == nil {
		h.writeError(w, r, appErr(errInvalidArgument, "Missing fields"))
		return
	}
	out, err := onStrand(r, h.strand, func() (JoinResult, error) {
		return h.app.JoinGame(*req.UserName, *req.MapID)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, joinResponse{AuthToken: out.Token, PlayerID: int(out.PlayerID)})
}

func (h *apiHandler) handlePlayers(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	token, ok := tokenFromRequest(r)
	if !ok {
		h.writeError(w, r, appErr(errInvalidToken, "Missing or invalid token"))
		return
	}
	players, err := onStrand(r, h.strand, func() ([]PlayerListItem, error) {
		return h.app.Players(token)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body := make(map[string]playerEntry, len(players))
	for _, p := range players {
		body[strconv.Itoa(int(p.ID))] = playerEntry{Name: p.Name}
	}
	writeJSON(w, r, http.StatusOK, body)
}

func (h *apiHandler) handleState(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	token, ok := tokenFromRequest(r)
	if !ok {
		h.writeError(w, r, appErr(errInvalidToken, "Missing or invalid token"))
		return
	}
	view, err := onStrand(r, h.strand, func() (StateView, error) {
		return h.app.GameState(token)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body := stateResponse{
		Players:     make(map[string]dogState, len(view.Dogs)),
		LostObjects: make([]lootState, 0, len(view.Loot)),
	}
	for _, d := range view.Dogs {
		bag := make([]bagEntry, 0, len(d.Bag))
		for _, item := range d.Bag {
			bag = append(bag, bagEntry{ID: int(item.ID), Type: item.Type})
		}
		body.Players[strconv.Itoa(int(d.ID))] = dogState{
			Pos:   [2]float64{d.Pos.X, d.Pos.Y},
			Speed: [2]float64{d.Speed.X, d.Speed.Y},
			Dir:   d.Dir.String(),
			Bag:   bag,
			Score: d.Score,
		}
	}
	for _, obj := range view.Loot {
		body.LostObjects = append(body.LostObjects, lootState{
			ID:   int(obj.ID),
			Type: obj.Type,
			Pos:  [2]float64{obj.Pos.X, obj.Pos.Y},
		})
	}
	writeJSON(w, r, http.StatusOK, body)
}

func (h *apiHandler) handleAction(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	token, ok := tokenFromRequest(r)
	if !ok {
		h.writeError(w, r, appErr(errInvalidToken, "Missing or invalid token"))
		return
	}
	var req struct {
		Move *string `json:"move"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, appErr(errInvalidArgument, "Failed to parse action"))
		return
	}
	if req.Move == nil {
		h.writeError(w, r, appErr(errInvalidArgument, "Field 'move' is required"))
		return
	}
	if err := onStrandCall(r, h.strand, func() error {
		return h.app.Action(token, *req.Move)
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, struct{}{})
}

func (h *apiHandler) handleTick(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	if h.app.autoTick {
		h.writeError(w, r, appErr(errInvalidArgument, "Invalid endpoint"))
		return
	}
	var req struct {
		TimeDelta *int64 `json:"timeDelta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, appErr(errInvalidArgument, "Failed to parse tick request JSON"))
		return
	}
	if req.TimeDelta == nil {
		h.writeError(w, r, appErr(errInvalidArgument, "Missing timeDelta"))
		return
	}
	if *req.TimeDelta < 0 {
		h.writeError(w, r, appErr(errInvalidArgument, "Invalid timeDelta"))
		return
	}
	if err := onStrandCall(r, h.strand, func() error {
		h.app.Tick(time.Duration(*req.TimeDelta) * time.Millisecond)
		return nil
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, struct{}{})
}

func (h *apiHandler) handleRecords(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	query := r.URL.Query()
	start := 0
	if s := query.Get("start"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, r, appErr(errInvalidArgument, "Invalid start value"))
			return
		}
		start = v
	}
	maxItems := maxRecordsPage
	if s := query.Get("maxItems"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, r, appErr(errInvalidArgument, "Invalid maxItems value"))
			return
		}
		maxItems = v
	}
	records, err := h.app.Records(r.Context(), start, maxItems)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body := make([]recordEntry, 0, len(records))
	for _, rec := range records {
		body = append(body, recordEntry{
			Name:     rec.Name,
			Score:    rec.Score,
			PlayTime: rec.PlayTime.Seconds(),
		})
	}
	writeJSON(w, r, http.StatusOK, body)
}

// fileServer serves the static site under root. Symlinks may not lead
// outside it.
type fileServer struct {
	root string
}

func newFileServer(root string) (*fileServer, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("www root: %w", err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("www root: %w", err)
	}
	return &fileServer{root: abs}, nil
}

func (f *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := path.Clean("/" + r.URL.Path)
	name := filepath.Join(f.root, filepath.FromSlash(rel))

	info, err := os.Stat(name)
	if err == nil && info.IsDir() {
		name = filepath.Join(name, "index.html")
		info, err = os.Stat(name)
	}
	if err != nil || !info.Mode().IsRegular() {
		plainError(w, http.StatusNotFound, "Not Found")
		return
	}
	resolved, err := filepath.EvalSymlinks(name)
	if err != nil {
		plainError(w, http.StatusNotFound, "Not Found")
		return
	}
	if resolved != f.root && !strings.HasPrefix(resolved, f.root+string(filepath.Separator)) {
		plainError(w, http.StatusBadRequest, "Bad Request")
		return
	}

	file, err := os.Open(name)
	if err != nil {
		plainError(w, http.StatusNotFound, "Not Found")
		return
	}
	defer file.Close()
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func plainError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	io.WriteString(w, message)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// requestLogger emits the request received / response sent event pair
// around every request.
func requestLogger(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		log.WithField("data", logrus.Fields{
			"ip":     ip,
			"URI":    r.RequestURI,
			"method": r.Method,
		}).Info("request received")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.WithField("data", logrus.Fields{
			"response_time": time.Since(start).Milliseconds(),
			"code":          rec.status,
			"content_type":  rec.Header().Get("Content-Type"),
		}).Info("response sent")
	})
}

func recoverPanics(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				log.WithField("data", logrus.Fields{
					"code":  "internal",
					"text":  fmt.Sprint(v),
					"where": "http",
				}).Error("error")
				writeJSON(w, r, http.StatusInternalServerError,
					errorBody{Code: errInternal, Message: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// newMux assembles the full handler chain: logging around panic recovery
// around the API and static routes.
func newMux(app *App, api *strand, log *logrus.Logger, wwwRoot string) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.Handle("/api/", &apiHandler{app: app, strand: api})
	if wwwRoot != "" {
		files, err := newFileServer(wwwRoot)
		if err != nil {
			return nil, err
		}
		mux.Handle("/", files)
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, r, http.StatusNotFound, errorBody{Code: errNotFound, Message: "Not found"})
		})
	}
	return requestLogger(log, recoverPanics(log, mux)), nil
}
