// Package motion describes avatar animation declaratively: keyframed tracks
// grouped into per-state timelines. It backs the asset-free animation
// renderer, which animates a stylised avatar straight from (state, speaking).
package motion

import (
	"math"
	"sort"
	"time"
)

// Animated properties.
const (
	Scale      = "scale"
	TranslateY = "translateY"
	Rotate     = "rotate"
	Glow       = "glow"
	Eyes       = "eyes" // 1 open, 0 closed
	Mouth      = "mouth"
	Smile      = "smile"
	Brow       = "brow"
)

// Easing maps linear progress in [0,1] to eased progress.
type Easing func(float64) float64

func Linear(t float64) float64 { return t }

func EaseInOut(t float64) float64 {
	return 0.5 - 0.5*math.Cos(math.Pi*t)
}

// Keyframe pins a property value at an offset into the track.
type Keyframe struct {
	At    time.Duration
	Value float32
}

// Track animates one property. Keys must be sorted by At.
type Track struct {
	Property string
	Keys     []Keyframe
	Loop     bool
	Ease     Easing
}

// Duration is the offset of the last keyframe.
func (t Track) Duration() time.Duration {
	if len(t.Keys) == 0 {
		return 0
	}
	return t.Keys[len(t.Keys)-1].At
}

// Sample returns the value at offset at.
func (t Track) Sample(at time.Duration) float32 {
	switch len(t.Keys) {
	case 0:
		return 0
	case 1:
		return t.Keys[0].Value
	}
	d := t.Duration()
	if t.Loop && d > 0 {
		at %= d
		if at < 0 {
			at += d
		}
	}
	if at <= t.Keys[0].At {
		return t.Keys[0].Value
	}
	if at >= d {
		return t.Keys[len(t.Keys)-1].Value
	}
	i := sort.Search(len(t.Keys), func(i int) bool { return t.Keys[i].At > at })
	a, b := t.Keys[i-1], t.Keys[i]
	p := float64(at-a.At) / float64(b.At-a.At)
	ease := t.Ease
	if ease == nil {
		ease = Linear
	}
	return a.Value + (b.Value-a.Value)*float32(ease(p))
}

// Frame is one sampled set of property values.
type Frame map[string]float32

// Timeline is a named group of tracks played together.
type Timeline struct {
	Name   string
	Tracks []Track
}

// Sample evaluates every track at offset at. Later tracks win on conflicts.
func (tl Timeline) Sample(at time.Duration) Frame {
	f := Frame{Scale: 1, Eyes: 1}
	for _, tr := range tl.Tracks {
		f[tr.Property] = tr.Sample(at)
	}
	return f
}

// With returns a copy of tl with extra tracks layered on top.
func (tl Timeline) With(tracks ...Track) Timeline {
	out := Timeline{Name: tl.Name, Tracks: make([]Track, 0, len(tl.Tracks)+len(tracks))}
	out.Tracks = append(out.Tracks, tl.Tracks...)
	out.Tracks = append(out.Tracks, tracks...)
	return out
}

func loop(prop string, ease Easing, keys ...Keyframe) Track {
	return Track{Property: prop, Keys: keys, Loop: true, Ease: ease}
}

func hold(prop string, v float32) Track {
	return Track{Property: prop, Keys: []Keyframe{{0, v}}}
}

func k(ms int, v float32) Keyframe {
	return Keyframe{At: time.Duration(ms) * time.Millisecond, Value: v}
}

var (
	breathing = loop(Scale, EaseInOut, k(0, 1), k(2000, 1.02), k(4000, 1))
	blinking  = loop(Eyes, Linear, k(0, 1), k(3800, 1), k(3875, 0), k(3950, 1), k(5200, 1), k(5275, 0), k(5350, 1))
	floating  = loop(TranslateY, EaseInOut, k(0, 0), k(3000, -4), k(6000, 0))
)

var timelines = map[string]Timeline{
	"idle": {Name: "idle", Tracks: []Track{breathing, blinking, floating}},
	"listening": {Name: "listening", Tracks: []Track{
		breathing, blinking, floating,
		loop(Glow, EaseInOut, k(0, 0.3), k(1200, 0.6), k(2400, 0.3)),
		hold(Brow, 0.3),
	}},
	"thinking": {Name: "thinking", Tracks: []Track{
		breathing, blinking,
		loop(Rotate, EaseInOut, k(0, -4), k(1500, 4), k(3000, -4)),
		loop(Glow, EaseInOut, k(0, 0.2), k(800, 0.5), k(1600, 0.2)),
		hold(Brow, 0.5),
	}},
	"speaking": {Name: "speaking", Tracks: []Track{
		breathing, blinking, floating,
		hold(Glow, 0.4),
	}},
	"happy": {Name: "happy", Tracks: []Track{
		blinking,
		loop(Scale, EaseInOut, k(0, 1), k(400, 1.05), k(800, 1)),
		loop(TranslateY, EaseInOut, k(0, 0), k(400, -8), k(800, 0)),
		hold(Smile, 1),
	}},
	"surprised": {Name: "surprised", Tracks: []Track{
		breathing,
		Track{Property: Scale, Keys: []Keyframe{k(0, 1), k(150, 1.1), k(600, 1.04)}, Ease: EaseInOut},
		hold(Eyes, 1),
		hold(Brow, 1),
		hold(Mouth, 0.35),
	}},
	"sad": {Name: "sad", Tracks: []Track{
		blinking,
		loop(Scale, EaseInOut, k(0, 0.98), k(3000, 0.99), k(6000, 0.98)),
		hold(TranslateY, 6),
		hold(Smile, -0.6),
		hold(Brow, -0.5),
	}},
}

// Talking is the mouth track layered on while speaking.
var Talking = loop(Mouth, EaseInOut, k(0, 0.1), k(90, 0.7), k(180, 0.2), k(260, 0.85), k(360, 0.15), k(450, 0.6), k(540, 0.1))

// ForState returns the timeline for an avatar state, falling back to idle.
func ForState(state string) Timeline {
	if tl, ok := timelines[state]; ok {
		return tl
	}
	return timelines["idle"]
}

// Compose returns the timeline for state with the talking mouth layered on
// when speaking. A closed mouth is pinned otherwise so the surprised preset
// is the only one that opens it.
func Compose(state string, speaking bool) Timeline {
	tl := ForState(state)
	if speaking {
		return tl.With(Talking)
	}
	for _, tr := range tl.Tracks {
		if tr.Property == Mouth {
			return tl
		}
	}
	return tl.With(hold(Mouth, 0))
}
