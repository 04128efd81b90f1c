package main

import (
	"encoding/json"
	"math"
	mathrand "math/rand"
	"time"
)

// Gameplay tunables. The collection radii and the road half-width define
// the feel of the game; changing them changes behavior, not correctness.
const (
	roadHalfWidth = 0.4
	dogWidth      = 0.3
	officeWidth   = 0.25
	lootWidth     = 0.0
)

type Direction int

const (
	North Direction = iota
	South
	West
	East
)

// String returns the wire letter. North is "up" on screen, toward
// decreasing Y.
func (d Direction) String() string {
	switch d {
	case South:
		return "D"
	case West:
		return "L"
	case East:
		return "R"
	default:
		return "U"
	}
}

func directionFromWire(s string) (Direction, bool) {
	switch s {
	case "U":
		return North, true
	case "D":
		return South, true
	case "L":
		return West, true
	case "R":
		return East, true
	}
	return North, false
}

// velocity returns the speed vector of the given magnitude along d.
func (d Direction) velocity(speed float64) Vec2 {
	switch d {
	case North:
		return Vec2{0, -speed}
	case South:
		return Vec2{0, speed}
	case West:
		return Vec2{-speed, 0}
	case East:
		return Vec2{speed, 0}
	}
	return Vec2{}
}

// Road is an axis-aligned segment between integer grid points. A position
// counts as on the road anywhere within roadHalfWidth of the segment's
// bounding box.
type Road struct {
	X0 int
	Y0 int
	X1 int
	Y1 int
}

func (r Road) horizontal() bool { return r.Y0 == r.Y1 }

func (r Road) start() Point { return Point{float64(r.X0), float64(r.Y0)} }

func (r Road) contains(p Point) bool {
	minX := math.Min(float64(r.X0), float64(r.X1)) - roadHalfWidth
	maxX := math.Max(float64(r.X0), float64(r.X1)) + roadHalfWidth
	minY := math.Min(float64(r.Y0), float64(r.Y1)) - roadHalfWidth
	maxY := math.Max(float64(r.Y0), float64(r.Y1)) + roadHalfWidth
	return p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY
}

// randomPoint picks a uniform position along the road axis.
func (r Road) randomPoint(rng *mathrand.Rand) Point {
	if r.horizontal() {
		lo := math.Min(float64(r.X0), float64(r.X1))
		hi := math.Max(float64(r.X0), float64(r.X1))
		return Point{lo + rng.Float64()*(hi-lo), float64(r.Y0)}
	}
	lo := math.Min(float64(r.Y0), float64(r.Y1))
	hi := math.Max(float64(r.Y0), float64(r.Y1))
	return Point{float64(r.X0), lo + rng.Float64()*(hi-lo)}
}

// Building is cosmetic: it is echoed to clients and plays no role in
// movement or collisions.
type Building struct {
	X int
	Y int
	W int
	H int
}

// Office is a depot where a dog banks the loot it carries.
type Office struct {
	ID      string
	X       int
	Y       int
	OffsetX int
	OffsetY int
}

func (o Office) point() Point { return Point{float64(o.X), float64(o.Y)} }

// LootType is one row of a map's value table. Raw carries the original
// config object untouched so clients get their rendering extras back.
type LootType struct {
	Name  string
	Value int
	Raw   json.RawMessage
}

// Map is immutable after load.
type Map struct {
	ID          string
	Name        string
	DogSpeed    float64
	BagCapacity int
	Roads       []Road
	Buildings   []Building
	Offices     []Office
	LootTypes   []LootType
	Gen         lootGenerator
}

// roadAt returns the index of the first road containing p that is not in
// skip, or -1. Roads are scanned in declaration order.
func (m *Map) roadAt(p Point, skip map[int]bool) int {
	for i, r := range m.Roads {
		if skip[i] {
			continue
		}
		if r.contains(p) {
			return i
		}
	}
	return -1
}

func (m *Map) onAnyRoad(p Point) bool { return m.roadAt(p, nil) >= 0 }

// randomRoadPoint picks a uniform road, then a uniform position along it.
func (m *Map) randomRoadPoint(rng *mathrand.Rand) Point {
	road := m.Roads[rng.Intn(len(m.Roads))]
	return road.randomPoint(rng)
}

type DogID int

type LootID int

// BagItem is collected loot carried by a dog until it reaches an office.
// Value is cached from the type table at spawn time.
type BagItem struct {
	ID    LootID
	Type  int
	Value int
}

// Dog is a player's avatar inside one session.
type Dog struct {
	ID       DogID
	Name     string
	Pos      Point
	PrevPos  Point
	Speed    Vec2
	Dir      Direction
	Bag      []BagItem
	BagCap   int
	Score    int
	PlayTime time.Duration
	IdleTime time.Duration
}

func (d *Dog) stopped() bool { return d.Speed == (Vec2{}) }

// LostObject is loot lying on a road until a dog collects it.
type LostObject struct {
	ID    LootID
	Type  int
	Pos   Point
	Value int
}

// lootGenerator decides how many new loot items appear over a time slice.
// Each vacant slot (a dog without a matching live item) spawns
// independently with probability 1-(1-p0)^(delta/period).
type lootGenerator struct {
	period      time.Duration
	probability float64
}

func (g lootGenerator) generate(rng *mathrand.Rand, delta time.Duration, lootCount, dogCount int) int {
	if g.period <= 0 || g.probability <= 0 || delta <= 0 {
		return 0
	}
	vacancies := dogCount - lootCount
	if vacancies <= 0 {
		return 0
	}
	ratio := delta.Seconds() / g.period.Seconds()
	p := 1 - math.Pow(1-g.probability, ratio)
	spawned := 0
	for i := 0; i < vacancies; i++ {
		if rng.Float64() < p {
			spawned++
		}
	}
	return spawned
}
