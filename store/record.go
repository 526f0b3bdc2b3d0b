// Package store persists finished self-play games.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brensch/gozero/game"
	"github.com/google/uuid"
)

// MoveRecord is one played move with the search statistics behind it.
type MoveRecord struct {
	Move   game.Coord `bson:"move" json:"move"`
	Color  game.Color `bson:"color" json:"color"`
	Board  string     `bson:"board" json:"board"`
	Visits []float32  `bson:"visits,omitempty" json:"visits,omitempty"`
	// Q is the root value from the mover's point of view.
	Q float32 `bson:"q" json:"q"`
	N float32 `bson:"n" json:"n"`
	// Forced moves were played without search (pass-alive endings).
	Forced bool `bson:"forced,omitempty" json:"forced,omitempty"`
}

// GameRecord is a completed game: the moves, the visit distributions the
// search produced for them, and how it ended.
type GameRecord struct {
	ID         string       `bson:"_id" json:"id"`
	Model      string       `bson:"model" json:"model"`
	Komi       float32      `bson:"komi" json:"komi"`
	StartedAt  time.Time    `bson:"started_at" json:"started_at"`
	FinishedAt time.Time    `bson:"finished_at" json:"finished_at"`
	Moves      []MoveRecord `bson:"moves" json:"moves"`

	// Result is +1 for a black win and -1 for a white win.
	Result float32 `bson:"result" json:"result"`
	// Score is the final area score from black's perspective; zero for
	// resigned games.
	Score    float32    `bson:"score" json:"score"`
	Resigned bool       `bson:"resigned" json:"resigned"`
	Winner   game.Color `bson:"winner" json:"winner"`

	ResignThreshold float32 `bson:"resign_threshold" json:"resign_threshold"`
	ResignDisabled  bool    `bson:"resign_disabled" json:"resign_disabled"`
	// WouldResignMove is the first move at which a resign-disabled game
	// would have resigned, or -1. WouldResignColor is who would have.
	WouldResignMove  int        `bson:"would_resign_move" json:"would_resign_move"`
	WouldResignColor game.Color `bson:"would_resign_color" json:"would_resign_color"`
}

func NewGameRecord(model string, komi float32) *GameRecord {
	return &GameRecord{
		ID:              uuid.NewString(),
		Model:           model,
		Komi:            komi,
		StartedAt:       time.Now(),
		WouldResignMove: -1,
	}
}

// BoardString renders stones as one character per point, row-major.
func BoardString(p *game.Position) string {
	var sb strings.Builder
	sb.Grow(game.NumPoints)
	for i := 0; i < game.NumPoints; i++ {
		switch p.At(game.Coord(i)) {
		case game.Black:
			sb.WriteByte('X')
		case game.White:
			sb.WriteByte('O')
		default:
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

// ResultString formats the outcome the way SGF does: "B+R", "W+7.5".
func (r *GameRecord) ResultString() string {
	if r.Winner == game.Empty {
		return "0"
	}
	if r.Resigned {
		return r.Winner.String() + "+R"
	}
	margin := r.Score
	if margin < 0 {
		margin = -margin
	}
	return fmt.Sprintf("%s+%.1f", r.Winner, margin)
}

// FalsePositive reports whether a resign-disabled game was won by the player
// who would have resigned.
func (r *GameRecord) FalsePositive() bool {
	return r.ResignDisabled && r.WouldResignMove >= 0 && r.Winner == r.WouldResignColor
}

// Sink accepts finished games.
type Sink interface {
	Write(ctx context.Context, rec *GameRecord) error
	Close() error
}

// MultiSink writes every game to all of its sinks.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec *GameRecord) error {
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
