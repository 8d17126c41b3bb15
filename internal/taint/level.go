package taint

import (
	"fmt"
	"strings"
)

// Level is the taint lattice: Untainted < Low < Medium < High < Critical.
type Level int

const (
	Untainted Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"untainted", "low", "medium", "high", "critical"}

func (l Level) String() string {
	if l < Untainted || l > Critical {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == s {
			return Level(i), nil
		}
	}
	return Untainted, fmt.Errorf("unknown taint level %q", s)
}

// MustLevel is ParseLevel for names already validated at load time.
func MustLevel(s string) Level {
	l, err := ParseLevel(s)
	if err != nil {
		panic(err)
	}
	return l
}

// Max returns the join of a and b.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
