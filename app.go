package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Application error kinds. The dispatcher maps them onto HTTP statuses;
// the strings go on the wire as the "code" field.
const (
	errInvalidArgument = "invalidArgument"
	errInvalidMethod   = "invalidMethod"
	errInvalidToken    = "invalidToken"
	errUnknownToken    = "unknownToken"
	errMapNotFound     = "mapNotFound"
	errNotFound        = "notFound"
	errInternal        = "internalError"
)

type AppError struct {
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Code + ": " + e.Message }

func appErr(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// recordsStore is the durable leaderboard the app writes retirements to
// and serves the records endpoint from.
type recordsStore interface {
	AddRecord(ctx context.Context, name string, score int, playTime time.Duration) error
	GetRecords(ctx context.Context, start, limit int) ([]RetiredRecord, error)
}

const maxRecordsPage = 100

// App is the façade over the game world. Every method except Records
// validation runs unsynchronized and must therefore be called on the API
// strand; the strand is the lock.
type App struct {
	game            *Game
	players         *Players
	records         recordsStore
	log             *logrus.Logger
	tickObserver    func(delta time.Duration)
	spawnRandomized bool
	autoTick        bool
	retireAfter     time.Duration
}

type AppOptions struct {
	Records         recordsStore
	Log             *logrus.Logger
	SpawnRandomized bool
	AutoTick        bool
	RetireAfter     time.Duration
}

func newApp(game *Game, players *Players, opts AppOptions) *App {
	retireAfter := opts.RetireAfter
	if retireAfter <= 0 {
		retireAfter = defaultRetireAfter
	}
	return &App{
		game:            game,
		players:         players,
		records:         opts.Records,
		log:             opts.Log,
		spawnRandomized: opts.SpawnRandomized,
		autoTick:        opts.AutoTick,
		retireAfter:     retireAfter,
	}
}

// SetTickObserver installs the single callback invoked after every tick.
func (a *App) SetTickObserver(fn func(delta time.Duration)) { a.tickObserver = fn }

type JoinResult struct {
	Token    string
	PlayerID DogID
}

// JoinGame puts a named dog on the map and registers its player.
func (a *App) JoinGame(name, mapID string) (JoinResult, error) {
	if name == "" {
		return JoinResult{}, appErr(errInvalidArgument, "Invalid name")
	}
	if a.game.findMap(mapID) == nil {
		return JoinResult{}, appErr(errMapNotFound, "Map not found")
	}
	session := a.game.session(mapID)
	dog := session.createDog(name, a.spawnRandomized)
	_, token := a.players.add(session, dog.ID)
	return JoinResult{Token: token, PlayerID: dog.ID}, nil
}

// MapInfo returns the static map view. Maps are immutable, so the result
// is safe to use off the strand.
func (a *App) MapInfo(mapID string) (*Map, error) {
	m := a.game.findMap(mapID)
	if m == nil {
		return nil, appErr(errMapNotFound, "Map not found")
	}
	return m, nil
}

type MapHandle struct {
	ID   string
	Name string
}

func (a *App) MapsShortInfo() []MapHandle {
	maps := a.game.mapList()
	out := make([]MapHandle, 0, len(maps))
	for _, m := range maps {
		out = append(out, MapHandle{ID: m.ID, Name: m.Name})
	}
	return out
}

func (a *App) playerByToken(token string) (*Player, error) {
	p := a.players.findByToken(token)
	if p == nil {
		return nil, appErr(errUnknownToken, "Player token has not been found")
	}
	return p, nil
}

type PlayerListItem struct {
	ID   DogID
	Name string
}

// Players lists the dogs sharing the authenticated player's session.
func (a *App) Players(token string) ([]PlayerListItem, error) {
	p, err := a.playerByToken(token)
	if err != nil {
		return nil, err
	}
	out := make([]PlayerListItem, 0, len(p.Session.dogs))
	for _, dog := range p.Session.dogs {
		out = append(out, PlayerListItem{ID: dog.ID, Name: dog.Name})
	}
	return out, nil
}

// View types returned by GameState. They are copies made on the strand;
// serializing them later races with nothing.
type DogView struct {
	ID    DogID
	Pos   Point
	Speed Vec2
	Dir   Direction
	Bag   []BagItem
	Score int
}

type LootView struct {
	ID   LootID
	Type int
	Pos  Point
}

type StateView struct {
	Dogs []DogView
	Loot []LootView
}

// GameState captures the dynamic state of the player's session.
func (a *App) GameState(token string) (StateView, error) {
	p, err := a.playerByToken(token)
	if err != nil {
		return StateView{}, err
	}
	view := StateView{
		Dogs: make([]DogView, 0, len(p.Session.dogs)),
		Loot: make([]LootView, 0, len(p.Session.loot)),
	}
	for _, dog := range p.Session.dogs {
		view.Dogs = append(view.Dogs, DogView{
			ID:    dog.ID,
			Pos:   dog.Pos,
			Speed: dog.Speed,
			Dir:   dog.Dir,
			Bag:   append([]BagItem{}, dog.Bag...),
			Score: dog.Score,
		})
	}
	for _, obj := range p.Session.loot {
		view.Loot = append(view.Loot, LootView{ID: obj.ID, Type: obj.Type, Pos: obj.Pos})
	}
	return view, nil
}

// Action steers the player's dog. An empty move stops it; a direction
// letter sets course at the map's dog speed.
func (a *App) Action(token, move string) error {
	p, err := a.playerByToken(token)
	if err != nil {
		return err
	}
	dog := p.Session.dog(p.DogID)
	if dog == nil {
		return appErr(errUnknownToken, "Player token has not been found")
	}
	if move == "" {
		dog.Speed = Vec2{}
		return nil
	}
	dir, ok := directionFromWire(move)
	if !ok {
		return appErr(errInvalidArgument, "Invalid move value")
	}
	dog.Dir = dir
	dog.Speed = dir.velocity(p.Session.Map().DogSpeed)
	return nil
}

// Tick advances every session by delta, retires idle players, persists
// their records and notifies the tick observer. Persistence failures are
// logged and do not undo the retirement.
func (a *App) Tick(delta time.Duration) {
	a.game.tick(delta)
	retired := a.players.retireIdle(a.retireAfter)
	if a.records != nil {
		for _, r := range retired {
			if err := a.records.AddRecord(context.Background(), r.Name, r.Score, r.PlayTime); err != nil {
				a.logError("records", err)
			}
		}
	}
	if a.tickObserver != nil {
		a.tickObserver(delta)
	}
}

// Records reads a page of the retired-player leaderboard.
func (a *App) Records(ctx context.Context, start, maxItems int) ([]RetiredRecord, error) {
	if start < 0 {
		return nil, appErr(errInvalidArgument, "Invalid start value")
	}
	if maxItems <= 0 || maxItems > maxRecordsPage {
		return nil, appErr(errInvalidArgument, "Invalid maxItems value")
	}
	if a.records == nil {
		return []RetiredRecord{}, nil
	}
	return a.records.GetRecords(ctx, start, maxItems)
}

func (a *App) logError(where string, err error) {
	if a.log == nil {
		return
	}
	a.log.WithField("data", logrus.Fields{
		"code":  "internal",
		"text":  err.Error(),
		"where": where,
	}).Error("error")
}
