package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pixil98/go-errors"
)

// Config defaults. A config file only has to name its maps and roads;
// everything else falls back to these.
const (
	defaultDogSpeed    = 1.0
	defaultBagCapacity = 3
	defaultRetireAfter = time.Minute
)

// GameConfig is the parsed map configuration document. Optional fields are
// pointers so absence is distinguishable from zero.
type GameConfig struct {
	DefaultDogSpeed    *float64       `json:"defaultDogSpeed"`
	DefaultBagCapacity *int           `json:"defaultBagCapacity"`
	DogRetirementTime  *float64       `json:"dogRetirementTime"`
	LootGenerator      *LootGenConfig `json:"lootGeneratorConfig"`
	Maps               []MapConfig    `json:"maps"`
}

type LootGenConfig struct {
	Period      float64 `json:"period"`
	Probability float64 `json:"probability"`
}

type MapConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	DogSpeed    *float64          `json:"dogSpeed"`
	BagCapacity *int              `json:"bagCapacity"`
	Roads       []RoadConfig      `json:"roads"`
	Buildings   []BuildingConfig  `json:"buildings"`
	Offices     []OfficeConfig    `json:"offices"`
	LootTypes   []json.RawMessage `json:"lootTypes"`
}

// RoadConfig carries exactly one of x1/y1: x1 makes the road horizontal,
// y1 vertical.
type RoadConfig struct {
	X0 int  `json:"x0"`
	Y0 int  `json:"y0"`
	X1 *int `json:"x1,omitempty"`
	Y1 *int `json:"y1,omitempty"`
}

type BuildingConfig struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type OfficeConfig struct {
	ID      string `json:"id"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	OffsetX int    `json:"offsetX"`
	OffsetY int    `json:"offsetY"`
}

// lootTypeFields is the part of a loot-type entry the model needs; the
// rest of the entry is opaque client payload.
type lootTypeFields struct {
	Name  *string `json:"name"`
	Value *int    `json:"value"`
}

// loadGameConfig reads, parses and validates a config file. Any problem is
// fatal to startup.
func loadGameConfig(path string) (*GameConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := parseGameConfig(raw)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseGameConfig(raw []byte) (*GameConfig, error) {
	var cfg GameConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *GameConfig) Validate() error {
	el := errors.NewErrorList()

	if c.DefaultDogSpeed != nil && *c.DefaultDogSpeed < 0 {
		el.Add(fmt.Errorf("defaultDogSpeed must not be negative"))
	}
	if c.DefaultBagCapacity != nil && *c.DefaultBagCapacity < 0 {
		el.Add(fmt.Errorf("defaultBagCapacity must not be negative"))
	}
	if c.DogRetirementTime != nil && *c.DogRetirementTime <= 0 {
		el.Add(fmt.Errorf("dogRetirementTime must be positive"))
	}
	if c.LootGenerator != nil {
		if c.LootGenerator.Period <= 0 {
			el.Add(fmt.Errorf("lootGeneratorConfig.period must be positive"))
		}
		if c.LootGenerator.Probability < 0 || c.LootGenerator.Probability > 1 {
			el.Add(fmt.Errorf("lootGeneratorConfig.probability must be within [0, 1]"))
		}
	}

	if len(c.Maps) == 0 {
		el.Add(fmt.Errorf("maps must not be empty"))
	}
	seen := make(map[string]bool)
	for i := range c.Maps {
		m := &c.Maps[i]
		if seen[m.ID] {
			el.Add(fmt.Errorf("map %q: duplicate id", m.ID))
		}
		seen[m.ID] = true
		if err := m.Validate(); err != nil {
			el.Add(fmt.Errorf("map %q: %w", m.ID, err))
		}
	}

	return el.Err()
}

func (m *MapConfig) Validate() error {
	el := errors.NewErrorList()

	if m.ID == "" {
		el.Add(fmt.Errorf("id is required"))
	}
	if m.DogSpeed != nil && *m.DogSpeed < 0 {
		el.Add(fmt.Errorf("dogSpeed must not be negative"))
	}
	if m.BagCapacity != nil && *m.BagCapacity < 0 {
		el.Add(fmt.Errorf("bagCapacity must not be negative"))
	}

	if len(m.Roads) == 0 {
		el.Add(fmt.Errorf("needs at least one road"))
	}
	for i, r := range m.Roads {
		if err := r.Validate(); err != nil {
			el.Add(fmt.Errorf("road %d: %w", i, err))
		}
	}

	officeIDs := make(map[string]bool)
	for i, o := range m.Offices {
		if o.ID == "" {
			el.Add(fmt.Errorf("office %d: id is required", i))
		}
		if officeIDs[o.ID] {
			el.Add(fmt.Errorf("office %q: duplicate id", o.ID))
		}
		officeIDs[o.ID] = true
	}

	for i, raw := range m.LootTypes {
		var lt lootTypeFields
		if err := json.Unmarshal(raw, &lt); err != nil {
			el.Add(fmt.Errorf("lootType %d: %w", i, err))
			continue
		}
		if lt.Name == nil || *lt.Name == "" {
			el.Add(fmt.Errorf("lootType %d: name is required", i))
		}
		if lt.Value == nil {
			el.Add(fmt.Errorf("lootType %d: value is required", i))
		} else if *lt.Value < 0 {
			el.Add(fmt.Errorf("lootType %d: value must not be negative", i))
		}
	}

	return el.Err()
}

func (r *RoadConfig) Validate() error {
	if (r.X1 == nil) == (r.Y1 == nil) {
		return fmt.Errorf("needs exactly one of x1 or y1")
	}
	if r.X1 != nil && *r.X1 == r.X0 {
		return fmt.Errorf("zero length")
	}
	if r.Y1 != nil && *r.Y1 == r.Y0 {
		return fmt.Errorf("zero length")
	}
	return nil
}

func (c *GameConfig) retireAfter() time.Duration {
	if c.DogRetirementTime == nil {
		return defaultRetireAfter
	}
	return secondsToDuration(*c.DogRetirementTime)
}

// buildMaps converts a validated config into the immutable model maps.
func (c *GameConfig) buildMaps() []*Map {
	baseSpeed := defaultDogSpeed
	if c.DefaultDogSpeed != nil {
		baseSpeed = *c.DefaultDogSpeed
	}
	baseCapacity := defaultBagCapacity
	if c.DefaultBagCapacity != nil {
		baseCapacity = *c.DefaultBagCapacity
	}
	var gen lootGenerator
	if c.LootGenerator != nil {
		gen = lootGenerator{
			period:      secondsToDuration(c.LootGenerator.Period),
			probability: c.LootGenerator.Probability,
		}
	}

	maps := make([]*Map, 0, len(c.Maps))
	for i := range c.Maps {
		mc := &c.Maps[i]
		m := &Map{
			ID:          mc.ID,
			Name:        mc.Name,
			DogSpeed:    baseSpeed,
			BagCapacity: baseCapacity,
			Gen:         gen,
		}
		if mc.DogSpeed != nil {
			m.DogSpeed = *mc.DogSpeed
		}
		if mc.BagCapacity != nil {
			m.BagCapacity = *mc.BagCapacity
		}
		for _, rc := range mc.Roads {
			road := Road{X0: rc.X0, Y0: rc.Y0, X1: rc.X0, Y1: rc.Y0}
			if rc.X1 != nil {
				road.X1 = *rc.X1
			} else {
				road.Y1 = *rc.Y1
			}
			m.Roads = append(m.Roads, road)
		}
		for _, bc := range mc.Buildings {
			m.Buildings = append(m.Buildings, Building(bc))
		}
		for _, oc := range mc.Offices {
			m.Offices = append(m.Offices, Office(oc))
		}
		for _, raw := range mc.LootTypes {
			var lt lootTypeFields
			if err := json.Unmarshal(raw, &lt); err != nil {
				continue
			}
			m.LootTypes = append(m.LootTypes, LootType{Name: *lt.Name, Value: *lt.Value, Raw: raw})
		}
		maps = append(maps, m)
	}
	return maps
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
