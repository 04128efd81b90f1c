package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Snapshot files start with a fixed magic and a version byte so a stale or
// foreign file is rejected before any JSON is parsed.
const (
	snapshotMagic   = "LNHSNAP"
	snapshotVersion = byte(1)
)

type snapshotDoc struct {
	Sessions []sessionSnapshot `json:"sessions"`
	Players  []playerSnapshot  `json:"players"`
}

type sessionSnapshot struct {
	MapID      string         `json:"mapId"`
	NextDogID  int            `json:"nextDogId"`
	NextLootID int            `json:"nextLootId"`
	Loot       []lootSnapshot `json:"loot"`
	Dogs       []dogSnapshot  `json:"dogs"`
}

type lootSnapshot struct {
	ID    int        `json:"id"`
	Type  int        `json:"type"`
	Pos   [2]float64 `json:"pos"`
	Value int        `json:"value"`
}

type bagSnapshot struct {
	ID    int `json:"id"`
	Type  int `json:"type"`
	Value int `json:"value"`
}

type dogSnapshot struct {
	ID          int           `json:"id"`
	Name        string        `json:"name"`
	Pos         [2]float64    `json:"pos"`
	PrevPos     [2]float64    `json:"prevPos"`
	Speed       [2]float64    `json:"speed"`
	Dir         string        `json:"dir"`
	Bag         []bagSnapshot `json:"bag"`
	BagCapacity int           `json:"bagCapacity"`
	Score       int           `json:"score"`
	PlayTimeMs  int64         `json:"playTimeMs"`
	IdleTimeMs  int64         `json:"idleTimeMs"`
}

type playerSnapshot struct {
	Token string `json:"token"`
	MapID string `json:"mapId"`
	DogID int    `json:"dogId"`
}

// snapshotWorld captures every live session and player. Must run on the
// API strand.
func snapshotWorld(game *Game, players *Players) *snapshotDoc {
	doc := &snapshotDoc{
		Sessions: []sessionSnapshot{},
		Players:  []playerSnapshot{},
	}
	for _, m := range game.maps {
		s, ok := game.sessions[m.ID]
		if !ok {
			continue
		}
		snap := sessionSnapshot{
			MapID:      m.ID,
			NextDogID:  int(s.nextDogID),
			NextLootID: int(s.nextLootID),
			Loot:       make([]lootSnapshot, 0, len(s.loot)),
			Dogs:       make([]dogSnapshot, 0, len(s.dogs)),
		}
		for _, obj := range s.loot {
			snap.Loot = append(snap.Loot, lootSnapshot{
				ID:    int(obj.ID),
				Type:  obj.Type,
				Pos:   [2]float64{obj.Pos.X, obj.Pos.Y},
				Value: obj.Value,
			})
		}
		for _, dog := range s.dogs {
			ds := dogSnapshot{
				ID:          int(dog.ID),
				Name:        dog.Name,
				Pos:         [2]float64{dog.Pos.X, dog.Pos.Y},
				PrevPos:     [2]float64{dog.PrevPos.X, dog.PrevPos.Y},
				Speed:       [2]float64{dog.Speed.X, dog.Speed.Y},
				Dir:         dog.Dir.String(),
				Bag:         make([]bagSnapshot, 0, len(dog.Bag)),
				BagCapacity: dog.BagCap,
				Score:       dog.Score,
				PlayTimeMs:  dog.PlayTime.Milliseconds(),
				IdleTimeMs:  dog.IdleTime.Milliseconds(),
			}
			for _, item := range dog.Bag {
				ds.Bag = append(ds.Bag, bagSnapshot{ID: int(item.ID), Type: item.Type, Value: item.Value})
			}
			snap.Dogs = append(snap.Dogs, ds)
		}
		doc.Sessions = append(doc.Sessions, snap)
	}
	for _, p := range players.list {
		doc.Players = append(doc.Players, playerSnapshot{
			Token: p.Token,
			MapID: p.Session.Map().ID,
			DogID: int(p.DogID),
		})
	}
	return doc
}

// restoreWorld rebuilds sessions and players from a snapshot into a fresh
// game. Any reference to a map or dog that does not exist is an error; the
// caller treats it as fatal.
func restoreWorld(doc *snapshotDoc, game *Game, players *Players) error {
	for _, snap := range doc.Sessions {
		if game.findMap(snap.MapID) == nil {
			return fmt.Errorf("snapshot references unknown map %q", snap.MapID)
		}
		s := game.session(snap.MapID)
		loot := make([]*LostObject, 0, len(snap.Loot))
		for _, ls := range snap.Loot {
			loot = append(loot, &LostObject{
				ID:    LootID(ls.ID),
				Type:  ls.Type,
				Pos:   Point{ls.Pos[0], ls.Pos[1]},
				Value: ls.Value,
			})
		}
		s.restoreLoot(loot, LootID(snap.NextLootID))
		for _, ds := range snap.Dogs {
			dir, ok := directionFromWire(ds.Dir)
			if !ok {
				return fmt.Errorf("snapshot dog %d: bad direction %q", ds.ID, ds.Dir)
			}
			bag := make([]BagItem, 0, len(ds.Bag))
			for _, item := range ds.Bag {
				bag = append(bag, BagItem{ID: LootID(item.ID), Type: item.Type, Value: item.Value})
			}
			dog := &Dog{
				ID:       DogID(ds.ID),
				Name:     ds.Name,
				Pos:      Point{ds.Pos[0], ds.Pos[1]},
				PrevPos:  Point{ds.PrevPos[0], ds.PrevPos[1]},
				Speed:    Vec2{ds.Speed[0], ds.Speed[1]},
				Dir:      dir,
				Bag:      bag,
				BagCap:   ds.BagCapacity,
				Score:    ds.Score,
				PlayTime: time.Duration(ds.PlayTimeMs) * time.Millisecond,
				IdleTime: time.Duration(ds.IdleTimeMs) * time.Millisecond,
			}
			if err := s.restoreDog(dog); err != nil {
				return fmt.Errorf("snapshot map %q: %w", snap.MapID, err)
			}
		}
		if next := DogID(snap.NextDogID); next > s.nextDogID {
			s.nextDogID = next
		}
	}
	for _, ps := range doc.Players {
		session, ok := game.sessions[ps.MapID]
		if !ok {
			return fmt.Errorf("snapshot player references unknown map %q", ps.MapID)
		}
		if session.dog(DogID(ps.DogID)) == nil {
			return fmt.Errorf("snapshot player references unknown dog %d on map %q", ps.DogID, ps.MapID)
		}
		if err := players.addWithToken(ps.Token, session, DogID(ps.DogID)); err != nil {
			return fmt.Errorf("snapshot player: %w", err)
		}
	}
	return nil
}

// writeSnapshot stores the document atomically: write a sibling tmp file,
// sync it, then rename over the destination. A failed write can only ever
// leave a tmp file behind, never a truncated snapshot.
func writeSnapshot(path string, doc *snapshotDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("snapshot dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot tmp: %w", err)
	}
	buf := make([]byte, 0, len(snapshotMagic)+1+len(data))
	buf = append(buf, snapshotMagic...)
	buf = append(buf, snapshotVersion)
	buf = append(buf, data...)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(path)
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("snapshot rename: %w", err)
		}
	}
	return nil
}

// loadSnapshot reads a snapshot file. A missing file is not an error: it
// just means there is nothing to restore.
func loadSnapshot(path string) (*snapshotDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	header := len(snapshotMagic) + 1
	if len(raw) < header || string(raw[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("snapshot %s: bad magic", path)
	}
	if raw[len(snapshotMagic)] != snapshotVersion {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, raw[len(snapshotMagic)])
	}
	var doc snapshotDoc
	if err := json.Unmarshal(raw[header:], &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &doc, nil
}

// stateSaver periodically snapshots the world from the tick path. With no
// period it only saves when asked explicitly (shutdown).
type stateSaver struct {
	path    string
	period  time.Duration
	acc     time.Duration
	game    *Game
	players *Players
	log     *logrus.Logger
}

func newStateSaver(path string, period time.Duration, game *Game, players *Players, log *logrus.Logger) *stateSaver {
	return &stateSaver{path: path, period: period, game: game, players: players, log: log}
}

// onTick accumulates elapsed time and saves once per period. Write
// failures are logged; the next period retries.
func (sv *stateSaver) onTick(delta time.Duration) {
	if sv.period <= 0 {
		return
	}
	sv.acc += delta
	if sv.acc < sv.period {
		return
	}
	sv.acc = 0
	if err := sv.save(); err != nil && sv.log != nil {
		sv.log.WithField("data", logrus.Fields{
			"code":  "internal",
			"text":  err.Error(),
			"where": "state saver",
		}).Error("error")
	}
}

func (sv *stateSaver) save() error {
	if sv.path == "" {
		return nil
	}
	return writeSnapshot(sv.path, snapshotWorld(sv.game, sv.players))
}
