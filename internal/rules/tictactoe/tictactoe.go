// Package tictactoe is a minimal rules engine, mostly used for tests and
// local demos. Cells are numbered 0-8 row by row; seat 0 plays X.
package tictactoe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiliankoe/moltpit/internal/rules"
)

const Kind rules.Kind = "tictactoe"

const empty = '.'

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// State is the board plus the seat to move.
type State struct {
	Board string `json:"board"`
	Turn  int    `json:"turn"`
}

type Engine struct{}

func New() Engine { return Engine{} }

func (Engine) Kind() rules.Kind { return Kind }
func (Engine) Seats() int       { return 2 }

func (Engine) NewState() (rules.State, error) {
	return State{Board: strings.Repeat(string(empty), 9)}, nil
}

func (e Engine) LegalMoves(s rules.State) ([]rules.Move, error) {
	st, err := cast(s)
	if err != nil {
		return nil, err
	}
	if out, _ := e.Terminal(st); out.Terminal {
		return nil, nil
	}
	var moves []rules.Move
	for i := 0; i < 9; i++ {
		if st.Board[i] == empty {
			moves = append(moves, rules.Move(strconv.Itoa(i)))
		}
	}
	return moves, nil
}

func (e Engine) Apply(s rules.State, m rules.Move) (rules.State, rules.Applied, error) {
	st, err := cast(s)
	if err != nil {
		return nil, rules.Applied{}, err
	}
	if out, _ := e.Terminal(st); out.Terminal {
		return nil, rules.Applied{}, fmt.Errorf("%w: game is over", rules.ErrIllegalMove)
	}
	cell, err := strconv.Atoi(strings.TrimSpace(string(m)))
	if err != nil || cell < 0 || cell > 8 {
		return nil, rules.Applied{}, fmt.Errorf("%w: %q is not a cell", rules.ErrIllegalMove, m)
	}
	if st.Board[cell] != empty {
		return nil, rules.Applied{}, fmt.Errorf("%w: cell %d is taken", rules.ErrIllegalMove, cell)
	}
	b := []byte(st.Board)
	b[cell] = mark(st.Turn)
	next := State{Board: string(b), Turn: 1 - st.Turn}
	return next, rules.Applied{
		Move:    rules.Move(strconv.Itoa(cell)),
		Display: fmt.Sprintf("%c%d", mark(st.Turn), cell),
	}, nil
}

func (Engine) Terminal(s rules.State) (rules.Outcome, error) {
	st, err := cast(s)
	if err != nil {
		return rules.Outcome{}, err
	}
	for _, l := range lines {
		c := st.Board[l[0]]
		if c != empty && c == st.Board[l[1]] && c == st.Board[l[2]] {
			winner := 0
			if c == 'O' {
				winner = 1
			}
			return rules.Outcome{Terminal: true, Winner: winner, Reason: "three_in_a_row"}, nil
		}
	}
	if !strings.ContainsRune(st.Board, empty) {
		return rules.Outcome{Terminal: true, Winner: rules.NoWinner, Reason: "board_full"}, nil
	}
	return rules.Outcome{Winner: rules.NoWinner}, nil
}

func (Engine) Encode(s rules.State) (json.RawMessage, error) {
	st, err := cast(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (Engine) Decode(raw json.RawMessage) (rules.State, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode tictactoe state: %w", err)
	}
	if len(st.Board) != 9 {
		return nil, fmt.Errorf("decode tictactoe state: board has %d cells", len(st.Board))
	}
	return st, nil
}

func mark(seat int) byte {
	if seat == 0 {
		return 'X'
	}
	return 'O'
}

func cast(s rules.State) (State, error) {
	st, ok := s.(State)
	if !ok {
		return State{}, fmt.Errorf("tictactoe: unexpected state type %T", s)
	}
	return st, nil
}
