package main

import (
	"fmt"
	"math"
	mathrand "math/rand"
	"time"
)

// GameSession is the single live world of one map: its dogs, its loot and
// the id counters for both. All methods must run on the API strand.
type GameSession struct {
	world      *Map
	dogs       []*Dog
	dogByID    map[DogID]*Dog
	loot       []*LostObject
	nextDogID  DogID
	nextLootID LootID
	rng        *mathrand.Rand
}

func newSession(world *Map, rng *mathrand.Rand) *GameSession {
	return &GameSession{
		world:   world,
		dogByID: make(map[DogID]*Dog),
		rng:     rng,
	}
}

func (s *GameSession) Map() *Map { return s.world }

// createDog places a fresh dog on the map: at the start of the first road,
// or anywhere on the network when randomize is set.
func (s *GameSession) createDog(name string, randomize bool) *Dog {
	pos := s.world.Roads[0].start()
	if randomize {
		pos = s.world.randomRoadPoint(s.rng)
	}
	dog := &Dog{
		ID:      s.nextDogID,
		Name:    name,
		Pos:     pos,
		PrevPos: pos,
		Dir:     North,
		Bag:     []BagItem{},
		BagCap:  s.world.BagCapacity,
	}
	s.nextDogID++
	s.dogs = append(s.dogs, dog)
	s.dogByID[dog.ID] = dog
	return dog
}

// restoreDog re-inserts a dog with its full saved state. Only the snapshot
// restore path uses it.
func (s *GameSession) restoreDog(dog *Dog) error {
	if _, ok := s.dogByID[dog.ID]; ok {
		return fmt.Errorf("dog %d already present", dog.ID)
	}
	if dog.Bag == nil {
		dog.Bag = []BagItem{}
	}
	s.dogs = append(s.dogs, dog)
	s.dogByID[dog.ID] = dog
	if dog.ID >= s.nextDogID {
		s.nextDogID = dog.ID + 1
	}
	return nil
}

// restoreLoot replaces the live loot set. Only the snapshot restore path
// and tests use it.
func (s *GameSession) restoreLoot(objects []*LostObject, nextID LootID) {
	s.loot = objects
	s.nextLootID = nextID
}

func (s *GameSession) dog(id DogID) *Dog { return s.dogByID[id] }

// removeDog drops the dog from the session. References held elsewhere are
// invalid afterwards.
func (s *GameSession) removeDog(id DogID) {
	if _, ok := s.dogByID[id]; !ok {
		return
	}
	delete(s.dogByID, id)
	for i, dog := range s.dogs {
		if dog.ID == id {
			s.dogs = append(s.dogs[:i], s.dogs[i+1:]...)
			return
		}
	}
}

func (s *GameSession) removeLoot(id LootID) {
	for i, obj := range s.loot {
		if obj.ID == id {
			s.loot = append(s.loot[:i], s.loot[i+1:]...)
			return
		}
	}
}

// tick advances the world by delta: integrate movement, confine to roads,
// spawn loot, resolve collisions in trajectory order, then settle the
// per-dog clocks. A zero delta leaves the world untouched.
func (s *GameSession) tick(delta time.Duration) {
	if delta <= 0 {
		return
	}
	s.moveDogs(delta)
	s.spawnLoot(delta)
	s.resolveCollisions()
	for _, dog := range s.dogs {
		dog.PlayTime += delta
		if dog.stopped() {
			dog.IdleTime += delta
		} else {
			dog.IdleTime = 0
		}
	}
}

func (s *GameSession) moveDogs(delta time.Duration) {
	dt := delta.Seconds()
	for _, dog := range s.dogs {
		dog.PrevPos = dog.Pos
		if dog.stopped() {
			continue
		}
		next := Point{dog.Pos.X + dog.Speed.X*dt, dog.Pos.Y + dog.Speed.Y*dt}
		if s.world.onAnyRoad(next) {
			dog.Pos = next
			continue
		}
		dog.Pos = s.clampToRoads(dog.Pos, dog.Dir)
		dog.Speed = Vec2{}
	}
}

// clampToRoads walks the network from pos in the direction of motion,
// sliding to the far edge of every road that still contains the walk
// point, until no unvisited road continues the way. The result is the
// furthest on-road position reachable along dir.
func (s *GameSession) clampToRoads(pos Point, dir Direction) Point {
	visited := make(map[int]bool)
	for {
		idx := s.world.roadAt(pos, visited)
		if idx < 0 {
			return pos
		}
		visited[idx] = true
		r := s.world.Roads[idx]
		switch dir {
		case North:
			pos.Y = math.Min(float64(r.Y0), float64(r.Y1)) - roadHalfWidth
		case South:
			pos.Y = math.Max(float64(r.Y0), float64(r.Y1)) + roadHalfWidth
		case West:
			pos.X = math.Min(float64(r.X0), float64(r.X1)) - roadHalfWidth
		case East:
			pos.X = math.Max(float64(r.X0), float64(r.X1)) + roadHalfWidth
		}
	}
}

func (s *GameSession) spawnLoot(delta time.Duration) {
	if len(s.world.LootTypes) == 0 {
		return
	}
	n := s.world.Gen.generate(s.rng, delta, len(s.loot), len(s.dogs))
	for i := 0; i < n; i++ {
		typeIdx := s.rng.Intn(len(s.world.LootTypes))
		s.loot = append(s.loot, &LostObject{
			ID:    s.nextLootID,
			Type:  typeIdx,
			Pos:   s.world.randomRoadPoint(s.rng),
			Value: s.world.LootTypes[typeIdx].Value,
		})
		s.nextLootID++
	}
}

// combinedProvider presents one tick's collision inputs: loot first, then
// offices, so a pickup beats a deposit at the same instant.
type combinedProvider struct {
	items     []gatherItem
	gatherers []gatherer
	lootCount int
}

func (p *combinedProvider) ItemCount() int           { return len(p.items) }
func (p *combinedProvider) Item(idx int) gatherItem  { return p.items[idx] }
func (p *combinedProvider) GathererCount() int       { return len(p.gatherers) }
func (p *combinedProvider) Gatherer(idx int) gatherer { return p.gatherers[idx] }

// resolveCollisions applies every overlap along this tick's trajectories in
// the order the dogs reach them. Pickups move loot into bags while capacity
// lasts; office visits bank the bag's value and empty it.
func (s *GameSession) resolveCollisions() {
	if len(s.dogs) == 0 {
		return
	}
	prov := combinedProvider{lootCount: len(s.loot)}
	for _, obj := range s.loot {
		prov.items = append(prov.items, gatherItem{Pos: obj.Pos, Width: lootWidth})
	}
	for _, office := range s.world.Offices {
		prov.items = append(prov.items, gatherItem{Pos: office.point(), Width: officeWidth})
	}
	for _, dog := range s.dogs {
		prov.gatherers = append(prov.gatherers, gatherer{Start: dog.PrevPos, End: dog.Pos, Width: dogWidth})
	}

	lootSnap := append([]*LostObject(nil), s.loot...)
	taken := make(map[int]bool)
	for _, ev := range findGatherEvents(&prov) {
		dog := s.dogs[ev.GathererIdx]
		if ev.ItemIdx < prov.lootCount {
			if taken[ev.ItemIdx] || len(dog.Bag) >= dog.BagCap {
				continue
			}
			obj := lootSnap[ev.ItemIdx]
			dog.Bag = append(dog.Bag, BagItem{ID: obj.ID, Type: obj.Type, Value: obj.Value})
			taken[ev.ItemIdx] = true
			s.removeLoot(obj.ID)
			continue
		}
		total := 0
		for _, item := range dog.Bag {
			total += item.Value
		}
		dog.Score += total
		dog.Bag = dog.Bag[:0]
	}
}

// Game owns the immutable maps and their lazily created sessions.
type Game struct {
	maps     []*Map
	mapByID  map[string]*Map
	sessions map[string]*GameSession
	rng      *mathrand.Rand
}

func newGame(maps []*Map, rng *mathrand.Rand) *Game {
	g := &Game{
		mapByID:  make(map[string]*Map),
		sessions: make(map[string]*GameSession),
		rng:      rng,
	}
	for _, m := range maps {
		g.maps = append(g.maps, m)
		g.mapByID[m.ID] = m
	}
	return g
}

func (g *Game) findMap(id string) *Map { return g.mapByID[id] }

func (g *Game) mapList() []*Map { return g.maps }

// session returns the live session for the map, creating it on first use.
// The map id must exist.
func (g *Game) session(mapID string) *GameSession {
	if s, ok := g.sessions[mapID]; ok {
		return s
	}
	s := newSession(g.mapByID[mapID], g.rng)
	g.sessions[mapID] = s
	return s
}

// tick advances every live session. Sessions are independent; they are
// visited in map declaration order but nothing may rely on that.
func (g *Game) tick(delta time.Duration) {
	for _, m := range g.maps {
		if s, ok := g.sessions[m.ID]; ok {
			s.tick(delta)
		}
	}
}
