// Package rating computes post-game Elo adjustments.
package rating

import "math"

// K is the development coefficient applied to every game.
const K = 32

// Score is the actual result for one side: 1 win, 0.5 draw, 0 loss.
type Score float64

const (
	Loss Score = 0
	Draw Score = 0.5
	Win  Score = 1
)

// Expected returns the expected score of a player rated r against opponent.
func Expected(r, opponent int) float64 {
	return 1 / (1 + math.Pow(10, float64(opponent-r)/400))
}

// Next returns the new rating after scoring s against opponent.
func Next(r, opponent int, s Score) int {
	return int(math.Round(float64(r) + K*(float64(s)-Expected(r, opponent))))
}

// Change is the outcome of one rated game for one side.
type Change struct {
	Before int `json:"before"`
	After  int `json:"after"`
	Delta  int `json:"delta"`
}

// Pair computes both sides' changes for a head-to-head game where a scored sa.
func Pair(a, b int, sa Score) (Change, Change) {
	na := Next(a, b, sa)
	nb := Next(b, a, Win-sa)
	return Change{Before: a, After: na, Delta: na - a}, Change{Before: b, After: nb, Delta: nb - b}
}
