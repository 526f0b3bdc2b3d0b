package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/brensch/gozero/game"
	"github.com/rs/zerolog/log"
)

// ExampleRow is one searched position: the board before the move, the
// normalised visit distribution as the policy target and the final result
// from the mover's point of view as the value target.
type ExampleRow struct {
	GameID   string    `parquet:"game_id,dict"`
	MoveNum  int32     `parquet:"move_num"`
	ToPlay   string    `parquet:"to_play,dict"`
	PrevMove int32     `parquet:"prev_move"`
	Board    string    `parquet:"board"`
	Move     int32     `parquet:"move"`
	Policy   []float32 `parquet:"policy"`
	Value    float32   `parquet:"value"`
	Q        float32   `parquet:"q"`
	Model    string    `parquet:"model,dict"`
}

// GameRow summarises one game. Resign calibration queries run over these.
type GameRow struct {
	GameID     string  `parquet:"game_id"`
	Model      string  `parquet:"model,dict"`
	Komi       float32 `parquet:"komi"`
	NumMoves   int32   `parquet:"num_moves"`
	Moves      string  `parquet:"moves"`
	Result     float32 `parquet:"result"`
	ResultText string  `parquet:"result_text,dict"`
	Score      float32 `parquet:"score"`
	Resigned   bool    `parquet:"resigned"`
	Winner     string  `parquet:"winner,dict"`

	ResignThreshold  float32 `parquet:"resign_threshold"`
	ResignDisabled   bool    `parquet:"resign_disabled"`
	WouldResignMove  int32   `parquet:"would_resign_move"`
	WouldResignColor string  `parquet:"would_resign_color,dict"`
	FalsePositive    bool    `parquet:"false_positive"`

	StartedAtMs  int64 `parquet:"started_at_ms"`
	FinishedAtMs int64 `parquet:"finished_at_ms"`
}

// ExampleRows flattens the searched moves of rec. Forced moves carry no
// visit distribution and are skipped.
func ExampleRows(rec *GameRecord) []ExampleRow {
	rows := make([]ExampleRow, 0, len(rec.Moves))
	prev := game.Invalid
	for i, m := range rec.Moves {
		if !m.Forced && len(m.Visits) > 0 {
			value := rec.Result * m.Color.Sign()
			rows = append(rows, ExampleRow{
				GameID:   rec.ID,
				MoveNum:  int32(i),
				ToPlay:   m.Color.String(),
				PrevMove: int32(prev),
				Board:    m.Board,
				Move:     int32(m.Move),
				Policy:   normalise(m.Visits),
				Value:    value,
				Q:        m.Q,
				Model:    rec.Model,
			})
		}
		prev = m.Move
	}
	return rows
}

func normalise(visits []float32) []float32 {
	var sum float32
	for _, v := range visits {
		sum += v
	}
	out := make([]float32, len(visits))
	if sum == 0 {
		return out
	}
	for i, v := range visits {
		out[i] = v / sum
	}
	return out
}

func NewGameRow(rec *GameRecord) GameRow {
	moves := make([]byte, 0, len(rec.Moves)*4)
	for i, m := range rec.Moves {
		if i > 0 {
			moves = append(moves, ' ')
		}
		moves = append(moves, m.Move.String()...)
	}
	row := GameRow{
		GameID:          rec.ID,
		Model:           rec.Model,
		Komi:            rec.Komi,
		NumMoves:        int32(len(rec.Moves)),
		Moves:           string(moves),
		Result:          rec.Result,
		ResultText:      rec.ResultString(),
		Score:           rec.Score,
		Resigned:        rec.Resigned,
		Winner:          rec.Winner.String(),
		ResignThreshold: rec.ResignThreshold,
		ResignDisabled:  rec.ResignDisabled,
		WouldResignMove: int32(rec.WouldResignMove),
		FalsePositive:   rec.FalsePositive(),
		StartedAtMs:     rec.StartedAt.UnixMilli(),
		FinishedAtMs:    rec.FinishedAt.UnixMilli(),
	}
	if rec.WouldResignMove >= 0 {
		row.WouldResignColor = rec.WouldResignColor.String()
	}
	return row
}

// ParquetSink buffers games into an examples file and a games file and
// publishes both every GamesPerFile games. Buffered games are spooled to the
// journal, and a sink reopened on the same directory after a crash puts them
// back into its first batch.
type ParquetSink struct {
	mu           sync.Mutex
	outDir       string
	gamesPerFile int

	journal  *Journal
	examples *batchWriter[ExampleRow]
	games    *batchWriter[GameRow]
	pending  []string
}

func NewParquetSink(outDir string, gamesPerFile int) (*ParquetSink, error) {
	if gamesPerFile <= 0 {
		gamesPerFile = 1
	}
	j, recovered, err := OpenJournal(outDir)
	if err != nil {
		return nil, err
	}
	s := &ParquetSink{outDir: outDir, gamesPerFile: gamesPerFile, journal: j}
	if len(recovered) == 0 {
		return s, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recovered {
		if err := s.addLocked(rec); err != nil {
			j.Close()
			return nil, fmt.Errorf("recover game %s: %w", rec.ID, err)
		}
	}
	log.Info().Int("games", len(recovered)).Str("dir", outDir).Msg("recovered spooled games")
	if len(s.pending) >= s.gamesPerFile {
		if err := s.flushLocked(); err != nil {
			j.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *ParquetSink) Write(ctx context.Context, rec *GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.journal.Spool(rec); err != nil {
		return err
	}
	if err := s.addLocked(rec); err != nil {
		return err
	}
	if len(s.pending) >= s.gamesPerFile {
		return s.flushLocked()
	}
	return nil
}

func (s *ParquetSink) addLocked(rec *GameRecord) error {
	if s.examples == nil {
		var err error
		if s.examples, err = newBatchWriter[ExampleRow](s.outDir, "examples", "gozero_example_v1"); err != nil {
			return err
		}
		if s.games, err = newBatchWriter[GameRow](s.outDir, "games", "gozero_game_v1"); err != nil {
			s.examples.finalize()
			s.examples = nil
			return err
		}
	}

	if err := s.examples.write(ExampleRows(rec)); err != nil {
		return fmt.Errorf("write examples: %w", err)
	}
	if err := s.games.write([]GameRow{NewGameRow(rec)}); err != nil {
		return fmt.Errorf("write game: %w", err)
	}
	s.pending = append(s.pending, rec.ID)
	return nil
}

// Flush publishes whatever is buffered.
func (s *ParquetSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *ParquetSink) flushLocked() error {
	if s.examples == nil {
		return nil
	}
	examplesPath, exampleRows, exErr := s.examples.finalize()
	gamesPath, gameRows, gErr := s.games.finalize()
	s.examples, s.games = nil, nil
	ids := s.pending
	s.pending = nil

	if exErr != nil {
		return exErr
	}
	if gErr != nil {
		return gErr
	}
	if err := s.journal.Commit(ids); err != nil {
		return err
	}
	log.Info().
		Str("examples", examplesPath).
		Str("games", gamesPath).
		Int("example_rows", exampleRows).
		Int("game_rows", gameRows).
		Msg("published batch")
	return nil
}

func (s *ParquetSink) Close() error {
	err := s.Flush()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	return err
}
