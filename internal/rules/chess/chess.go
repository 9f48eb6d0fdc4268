// Package chess adapts github.com/corentings/chess/v2 to the rules.Engine
// contract. Moves use UCI notation; seat 0 plays white.
package chess

import (
	"encoding/json"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/kiliankoe/moltpit/internal/rules"
)

const Kind rules.Kind = "chess"

const startpos = "startpos"

var _ rules.Describer = (*Engine)(nil)

// State is a starting position plus the UCI moves played from it. The game
// is replayed from this on every call so repetition rules see the full
// history.
type State struct {
	StartFEN string   `json:"startFen"`
	Moves    []string `json:"moves"`
	FEN      string   `json:"fen"`
}

type Engine struct {
	start string
}

// New returns an engine starting from the standard position.
func New() *Engine { return &Engine{start: startpos} }

// NewFromFEN returns an engine whose games start at fen.
func NewFromFEN(fen string) (*Engine, error) {
	if _, err := nchess.FEN(fen); err != nil {
		return nil, fmt.Errorf("parse fen: %w", err)
	}
	return &Engine{start: fen}, nil
}

func (*Engine) Kind() rules.Kind { return Kind }
func (*Engine) Seats() int       { return 2 }

func (e *Engine) NewState() (rules.State, error) {
	g, err := replay(e.start, nil)
	if err != nil {
		return nil, err
	}
	return State{StartFEN: e.start, Moves: []string{}, FEN: g.FEN()}, nil
}

func (e *Engine) LegalMoves(s rules.State) ([]rules.Move, error) {
	st, err := cast(s)
	if err != nil {
		return nil, err
	}
	g, err := replay(st.StartFEN, st.Moves)
	if err != nil {
		return nil, err
	}
	if g.Outcome() != nchess.NoOutcome {
		return nil, nil
	}
	valid := g.ValidMoves()
	out := make([]rules.Move, 0, len(valid))
	for _, m := range valid {
		out = append(out, rules.Move(m.String()))
	}
	return out, nil
}

func (e *Engine) Apply(s rules.State, m rules.Move) (rules.State, rules.Applied, error) {
	st, err := cast(s)
	if err != nil {
		return nil, rules.Applied{}, err
	}
	g, err := replay(st.StartFEN, st.Moves)
	if err != nil {
		return nil, rules.Applied{}, err
	}
	if g.Outcome() != nchess.NoOutcome {
		return nil, rules.Applied{}, fmt.Errorf("%w: game is over", rules.ErrIllegalMove)
	}

	uci := strings.ToLower(strings.TrimSpace(string(m)))
	legal := false
	for _, v := range g.ValidMoves() {
		if v.String() == uci {
			legal = true
			break
		}
	}
	if !legal {
		return nil, rules.Applied{}, fmt.Errorf("%w: %q", rules.ErrIllegalMove, m)
	}

	pos := g.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, rules.Applied{}, fmt.Errorf("%w: %v", rules.ErrIllegalMove, err)
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := g.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return nil, rules.Applied{}, fmt.Errorf("%w: %v", rules.ErrIllegalMove, err)
	}

	moves := make([]string, len(st.Moves), len(st.Moves)+1)
	copy(moves, st.Moves)
	moves = append(moves, uci)
	next := State{StartFEN: st.StartFEN, Moves: moves, FEN: g.FEN()}
	return next, rules.Applied{Move: rules.Move(uci), Display: san}, nil
}

func (e *Engine) Terminal(s rules.State) (rules.Outcome, error) {
	st, err := cast(s)
	if err != nil {
		return rules.Outcome{}, err
	}
	g, err := replay(st.StartFEN, st.Moves)
	if err != nil {
		return rules.Outcome{}, err
	}
	switch g.Outcome() {
	case nchess.WhiteWon:
		return rules.Outcome{Terminal: true, Winner: 0, Reason: method(g.Method())}, nil
	case nchess.BlackWon:
		return rules.Outcome{Terminal: true, Winner: 1, Reason: method(g.Method())}, nil
	case nchess.Draw:
		return rules.Outcome{Terminal: true, Winner: rules.NoWinner, Reason: method(g.Method())}, nil
	}
	return rules.Outcome{Winner: rules.NoWinner}, nil
}

// AgentMove is a legal move as chess agents receive it.
type AgentMove struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	SAN       string `json:"san"`
}

var startMaterial = map[rune]int{'p': 8, 'n': 2, 'b': 2, 'r': 2, 'q': 1}

// Describe returns the position as seen by the player in seat: fen,
// yourColor, validMoves as from/to/promotion/san, moveHistory in SAN and
// capturedPieces per side.
func (e *Engine) Describe(s rules.State, seat int) (map[string]any, error) {
	st, err := cast(s)
	if err != nil {
		return nil, err
	}
	g, err := replay(st.StartFEN, nil)
	if err != nil {
		return nil, err
	}
	history := make([]string, 0, len(st.Moves))
	for _, uci := range st.Moves {
		pos := g.Position()
		mv, err := nchess.UCINotation{}.Decode(pos, uci)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", uci, err)
		}
		history = append(history, nchess.AlgebraicNotation{}.Encode(pos, mv))
		if err := g.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay %s: %w", uci, err)
		}
	}

	valid := []AgentMove{}
	if g.Outcome() == nchess.NoOutcome {
		pos := g.Position()
		for _, v := range g.ValidMoves() {
			uci := v.String()
			mv, err := nchess.UCINotation{}.Decode(pos, uci)
			if err != nil {
				return nil, err
			}
			valid = append(valid, AgentMove{
				From:      uci[0:2],
				To:        uci[2:4],
				Promotion: uci[4:],
				SAN:       nchess.AlgebraicNotation{}.Encode(pos, mv),
			})
		}
	}

	color := "white"
	if seat == 1 {
		color = "black"
	}
	return map[string]any{
		"fen":            g.FEN(),
		"yourColor":      color,
		"validMoves":     valid,
		"moveHistory":    history,
		"capturedPieces": captured(g.FEN()),
	}, nil
}

// captured lists the pieces each side has taken, derived from the
// material left on the board.
func captured(fen string) map[string][]string {
	board, _, _ := strings.Cut(fen, " ")
	left := map[rune]int{}
	for _, r := range board {
		left[r]++
	}
	out := map[string][]string{"white": {}, "black": {}}
	for _, piece := range "qrbnp" {
		upper := []rune(strings.ToUpper(string(piece)))[0]
		for i := left[upper]; i < startMaterial[piece]; i++ {
			out["black"] = append(out["black"], string(piece))
		}
		for i := left[piece]; i < startMaterial[piece]; i++ {
			out["white"] = append(out["white"], string(piece))
		}
	}
	return out
}

func (e *Engine) Encode(s rules.State) (json.RawMessage, error) {
	st, err := cast(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (e *Engine) Decode(raw json.RawMessage) (rules.State, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode chess state: %w", err)
	}
	if st.StartFEN == "" {
		st.StartFEN = startpos
	}
	if _, err := replay(st.StartFEN, st.Moves); err != nil {
		return nil, err
	}
	return st, nil
}

func replay(start string, moves []string) (*nchess.Game, error) {
	var g *nchess.Game
	if start == "" || start == startpos {
		g = nchess.NewGame()
	} else {
		opt, err := nchess.FEN(start)
		if err != nil {
			return nil, fmt.Errorf("parse fen: %w", err)
		}
		g = nchess.NewGame(opt)
	}
	for _, mv := range moves {
		if err := g.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay %s: %w", mv, err)
		}
	}
	return g, nil
}

func method(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return "checkmate"
	case nchess.Stalemate:
		return "stalemate"
	case nchess.ThreefoldRepetition:
		return "threefold_repetition"
	case nchess.FivefoldRepetition:
		return "fivefold_repetition"
	case nchess.FiftyMoveRule:
		return "fifty_move_rule"
	case nchess.SeventyFiveMoveRule:
		return "seventy_five_move_rule"
	case nchess.InsufficientMaterial:
		return "insufficient_material"
	}
	return "decisive"
}

func cast(s rules.State) (State, error) {
	st, ok := s.(State)
	if !ok {
		return State{}, fmt.Errorf("chess: unexpected state type %T", s)
	}
	return st, nil
}
