package main

import (
	"math"
	"sort"
)

// Point is a continuous position on the map grid.
type Point struct {
	X float64
	Y float64
}

// Vec2 is a velocity in units per second.
type Vec2 struct {
	X float64
	Y float64
}

// collectResult describes the closest approach of a moving gatherer to a
// point: the squared distance from the point to the motion line and the
// fraction of the segment at which that approach happens.
type collectResult struct {
	SqDist float64
	Ratio  float64
}

// withinReach reports whether the approach falls inside the segment and
// within the combined collection radius.
func (c collectResult) withinReach(radius float64) bool {
	return c.Ratio >= 0 && c.Ratio <= 1 && c.SqDist <= radius*radius
}

// tryCollectPoint projects c onto the segment a->b. a and b must differ.
func tryCollectPoint(a, b, c Point) collectResult {
	ux := c.X - a.X
	uy := c.Y - a.Y
	vx := b.X - a.X
	vy := b.Y - a.Y
	uDotV := ux*vx + uy*vy
	uLen2 := ux*ux + uy*uy
	vLen2 := vx*vx + vy*vy
	return collectResult{
		SqDist: uLen2 - uDotV*uDotV/vLen2,
		Ratio:  uDotV / vLen2,
	}
}

type gatherItem struct {
	Pos   Point
	Width float64
}

type gatherer struct {
	Start Point
	End   Point
	Width float64
}

// itemGathererProvider enumerates the stationary items and moving gatherers
// of one tick. Index order is the provider's and must stay stable for the
// duration of the scan.
type itemGathererProvider interface {
	ItemCount() int
	Item(idx int) gatherItem
	GathererCount() int
	Gatherer(idx int) gatherer
}

// gatherEvent is one gatherer/item overlap. Time is the fraction of the
// gatherer's segment at which the overlap occurs.
type gatherEvent struct {
	ItemIdx     int
	GathererIdx int
	SqDist      float64
	Time        float64
}

const motionEpsilon = 1e-10

// findGatherEvents tests every moving gatherer against every item and
// returns the hits ordered by time, earliest first. Gatherers that did not
// move are skipped; equal times keep scan order.
func findGatherEvents(provider itemGathererProvider) []gatherEvent {
	var events []gatherEvent
	for g := 0; g < provider.GathererCount(); g++ {
		gth := provider.Gatherer(g)
		if math.Abs(gth.Start.X-gth.End.X) <= motionEpsilon &&
			math.Abs(gth.Start.Y-gth.End.Y) <= motionEpsilon {
			continue
		}
		for i := 0; i < provider.ItemCount(); i++ {
			item := provider.Item(i)
			res := tryCollectPoint(gth.Start, gth.End, item.Pos)
			if res.withinReach(gth.Width + item.Width) {
				events = append(events, gatherEvent{
					ItemIdx:     i,
					GathererIdx: g,
					SqDist:      res.SqDist,
					Time:        res.Ratio,
				})
			}
		}
	}
	sort.SliceStable(events, func(a, b int) bool {
		return events[a].Time < events[b].Time
	})
	return events
}
