package alert

import (
	"time"

	"quake-sentinel/seismic"
)

// Color is the lit indicator LED.
type Color int

const (
	ColorOff Color = iota
	ColorGreen
	ColorYellow
	ColorRed
)

func (c Color) String() string {
	switch c {
	case ColorGreen:
		return "green"
	case ColorYellow:
		return "yellow"
	case ColorRed:
		return "red"
	}
	return "off"
}

// Tone is one buzzer step.
type Tone struct {
	Frequency int // Hz
	Duration  time.Duration
}

// Pattern is what the local panel shows for an alert level.
type Pattern struct {
	Color Color
	Tones []Tone
}

// Duration is the total length of the tone sequence.
func (p Pattern) Duration() time.Duration {
	var d time.Duration
	for _, t := range p.Tones {
		d += t.Duration
	}
	return d
}

const (
	sirenLow    = 800
	sirenHigh   = 2000
	sirenStep   = 100
	sirenDwell  = 30 * time.Millisecond
	sirenCycles = 3
)

// ErrorPattern is sounded on sensor failure.
var ErrorPattern = Pattern{
	Color: ColorRed,
	Tones: []Tone{{Frequency: 500, Duration: 200 * time.Millisecond}},
}

// levelPatterns maps each alert level to its indicator pattern
var levelPatterns = map[seismic.AlertLevel]Pattern{
	seismic.LevelNegligible: {Color: ColorGreen},
	seismic.LevelLight:      {Color: ColorYellow, Tones: []Tone{{1000, 300 * time.Millisecond}}},
	seismic.LevelModerate:   {Color: ColorYellow, Tones: []Tone{{1500, 500 * time.Millisecond}}},
	seismic.LevelStrong:     {Color: ColorRed, Tones: sirenTones()},
	seismic.LevelSevere:     {Color: ColorRed, Tones: sirenTones()},
	seismic.LevelExtreme:    {Color: ColorRed, Tones: sirenTones()},
}

// PatternFor returns the indicator pattern of level.
func PatternFor(level seismic.AlertLevel) Pattern {
	if p, ok := levelPatterns[level]; ok {
		return p
	}
	return levelPatterns[seismic.LevelNegligible]
}

// sirenTones sweeps up and back down, sirenCycles times.
func sirenTones() []Tone {
	var tones []Tone
	for range sirenCycles {
		for f := sirenLow; f <= sirenHigh; f += sirenStep {
			tones = append(tones, Tone{f, sirenDwell})
		}
		for f := sirenHigh; f >= sirenLow; f -= sirenStep {
			tones = append(tones, Tone{f, sirenDwell})
		}
	}
	return tones
}
