package selfplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/brensch/gozero/executor/inference"
	"github.com/brensch/gozero/executor/mcts"
	"github.com/brensch/gozero/game"
	"github.com/brensch/gozero/rules"
	"github.com/brensch/gozero/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// ErrAborted is returned when a game or run stops because the abort file
// appeared.
var ErrAborted = errors.New("selfplay: aborted")

// ErrTooManyFailures ends a run whose worker failed too many games in a row.
var ErrTooManyFailures = errors.New("selfplay: too many consecutive failed games")

const maxFailureBackoff = time.Minute

// Counters are shared progress counters. All fields are safe for concurrent
// use.
type Counters struct {
	Moves    atomic.Int64
	Readouts atomic.Int64
	Games    atomic.Int64
	Failures atomic.Int64
	Resigns  atomic.Int64
}

// GameOptions are the per-game settings that do not change between moves.
type GameOptions struct {
	// Start is the initial position; nil is an empty board.
	Start *game.Position
	Rng   *rand.Rand
	// ModelName is stored on the record.
	ModelName string
	// Trace, if set, receives the board and search summary after every move.
	Trace io.Writer
	// Stop is polled before every move; returning true aborts the game.
	Stop     func() bool
	Counters *Counters
}

// PlayGame plays one self-play game. options is called before every move.
// An evaluation failure or cancellation ends the game with an error and no
// record.
func PlayGame(ctx context.Context, options func() Options, predictor inference.Predictor, g GameOptions) (*store.GameRecord, error) {
	opts := options()
	rng := g.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}
	counters := g.Counters
	if counters == nil {
		counters = &Counters{}
	}
	start := g.Start
	if start == nil {
		start = game.NewPosition(opts.Komi)
	}

	tree := mcts.NewTree(start, opts.params())
	searcher := mcts.NewSearcher(tree, predictor, rng)

	rec := store.NewGameRecord(g.ModelName, start.Komi())
	rec.ResignThreshold = opts.ResignThreshold
	rec.ResignDisabled = rng.Float32() < opts.DisableResignPct

	noise := make([]float32, game.NumMoves)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g.Stop != nil && g.Stop() {
			return nil, ErrAborted
		}

		opts = options()
		tree.SetParams(opts.params())
		searcher.VirtualLosses = opts.VirtualLosses

		root := tree.Root()
		pos := root.Position()
		if root.GameOver() {
			break
		}

		if opts.PassAliveMinMove > 0 && pos.MoveNum() >= opts.PassAliveMinMove && rules.CalculateWholeBoardPassAlive(pos) {
			rec.Moves = append(rec.Moves, store.MoveRecord{
				Move:   game.Pass,
				Color:  pos.ToPlay(),
				Board:  store.BoardString(pos),
				Q:      root.QPerspective(),
				Forced: true,
			})
			advance(tree, game.Pass, opts.TreeReuse)
			counters.Moves.Add(1)
			continue
		}

		if err := searcher.ExpandRoot(ctx); err != nil {
			return nil, err
		}
		if opts.NoiseMix > 0 {
			dirichlet(rng, float64(opts.DirichletAlpha), noise)
			root.InjectNoise(noise, opts.NoiseMix)
		}

		readouts, budget := opts.ReadoutBudget(pos.MoveNum())
		var stop func() bool
		if budget > 0 {
			deadline := time.Now().Add(budget)
			stop = func() bool { return time.Now().After(deadline) }
		}
		before := root.N()
		if err := searcher.Search(ctx, readouts, stop); err != nil {
			return nil, err
		}
		counters.Readouts.Add(int64(root.N() - before))

		q := root.QPerspective()
		if q < opts.ResignThreshold {
			if !rec.ResignDisabled {
				rec.Resigned = true
				rec.Winner = pos.ToPlay().Other()
				rec.Result = rec.Winner.Sign()
				counters.Resigns.Add(1)
				break
			}
			if rec.WouldResignMove < 0 {
				rec.WouldResignMove = pos.MoveNum()
				rec.WouldResignColor = pos.ToPlay()
			}
		}

		move := pickMove(root, opts, rng)
		rec.Moves = append(rec.Moves, store.MoveRecord{
			Move:   move,
			Color:  pos.ToPlay(),
			Board:  store.BoardString(pos),
			Visits: root.ChildVisits(),
			Q:      q,
			N:      root.N(),
		})
		if g.Trace != nil {
			PrintBoard(g.Trace, root)
		}
		advance(tree, move, opts.TreeReuse)
		counters.Moves.Add(1)
	}

	if !rec.Resigned {
		final := tree.Root().Position()
		rec.Score = rules.CalculateScore(final)
		rec.Result = rules.GetResult(final)
		switch {
		case rec.Result > 0:
			rec.Winner = game.Black
		case rec.Result < 0:
			rec.Winner = game.White
		}
	}
	rec.FinishedAt = time.Now()
	counters.Games.Add(1)
	return rec, nil
}

// advance plays m on the tree. Without reuse the next search starts from an
// unvisited root.
func advance(tree *mcts.Tree, m game.Coord, reuse bool) {
	tree.PlayMove(m)
	if !reuse {
		tree.ResetRoot()
	}
}

// pickMove samples in proportion to visits for the first SoftPickCutoff
// moves and plays the most visited move afterwards. Pass is never sampled.
func pickMove(root *mcts.Node, opts Options, rng *rand.Rand) game.Coord {
	if root.Position().MoveNum() >= opts.SoftPickCutoff {
		return root.GetMostVisitedMove()
	}
	var total float32
	for m := game.Coord(0); m < game.NumPoints; m++ {
		if root.Legal(m) {
			total += root.ChildN(m)
		}
	}
	if total <= 0 {
		return root.GetMostVisitedMove()
	}
	r := rng.Float32() * total
	var last game.Coord = game.Invalid
	for m := game.Coord(0); m < game.NumPoints; m++ {
		if !root.Legal(m) || root.ChildN(m) == 0 {
			continue
		}
		last = m
		r -= root.ChildN(m)
		if r < 0 {
			return m
		}
	}
	return last
}

// RunConfig configures a self-play run.
type RunConfig struct {
	Options   func() Options
	Predictor inference.Predictor
	Sink      store.Sink
	Workers   int
	// MaxGames stops the run after that many finished games; 0 runs until
	// cancelled or aborted.
	MaxGames int64
	// AbortFile stops the run when it exists. Checked before every game and
	// every move.
	AbortFile string
	// ModelName reports the model that produced each game.
	ModelName func() string
	Counters  *Counters
	// OnGame is called after every stored game.
	OnGame func(workerID int, rec *store.GameRecord)
	// TraceWorker prints every move of that worker's games to Trace.
	TraceWorker int
	Trace       io.Writer
	// FailureBackoff is the wait after a failed game. It doubles with every
	// consecutive failure, up to a minute.
	FailureBackoff time.Duration
	// MaxConsecutiveFailures ends the run with ErrTooManyFailures once one
	// worker fails that many games in a row. 0 never gives up.
	MaxConsecutiveFailures int
}

// Run plays games on cfg.Workers goroutines until ctx is cancelled, the
// abort file appears or MaxGames is reached. A failed game is logged and the
// worker backs off before starting another. Sink errors and too many
// consecutive failures end the run.
func Run(ctx context.Context, cfg RunConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	counters := cfg.Counters
	if counters == nil {
		counters = &Counters{}
	}
	aborted := func() bool {
		if cfg.AbortFile == "" {
			return false
		}
		_, err := os.Stat(cfg.AbortFile)
		return err == nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var started atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(uint64(time.Now().UnixNano()) + uint64(w)*1000003))
			logger := log.With().Int("worker", w).Logger()
			failures := 0
			for {
				if gctx.Err() != nil {
					return nil
				}
				if aborted() {
					logger.Info().Str("file", cfg.AbortFile).Msg("abort file found; stopping")
					return nil
				}
				if cfg.MaxGames > 0 && started.Add(1) > cfg.MaxGames {
					return nil
				}

				gopts := GameOptions{Rng: rng, Stop: aborted, Counters: counters}
				if cfg.ModelName != nil {
					gopts.ModelName = cfg.ModelName()
				}
				if cfg.Trace != nil && w == cfg.TraceWorker {
					gopts.Trace = cfg.Trace
				}

				rec, err := PlayGame(gctx, cfg.Options, cfg.Predictor, gopts)
				if err != nil {
					if gctx.Err() != nil || errors.Is(err, ErrAborted) {
						return nil
					}
					started.Add(-1)
					counters.Failures.Add(1)
					failures++
					if cfg.MaxConsecutiveFailures > 0 && failures >= cfg.MaxConsecutiveFailures {
						return fmt.Errorf("%w: %d on worker %d: %w", ErrTooManyFailures, failures, w, err)
					}
					wait := failureBackoff(cfg.FailureBackoff, failures)
					logger.Error().Err(err).Int("consecutive", failures).Dur("backoff", wait).Msg("game failed")
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(wait):
					}
					continue
				}
				failures = 0

				if err := cfg.Sink.Write(gctx, rec); err != nil {
					return fmt.Errorf("store game %s: %w", rec.ID, err)
				}
				logger.Debug().
					Str("game", rec.ID).
					Str("result", rec.ResultString()).
					Int("moves", len(rec.Moves)).
					Msg("game finished")
				if cfg.OnGame != nil {
					cfg.OnGame(w, rec)
				}
			}
		})
	}
	return g.Wait()
}

// failureBackoff is base doubled for every failure after the first.
func failureBackoff(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < failures && d < maxFailureBackoff; i++ {
		d *= 2
	}
	return min(d, maxFailureBackoff)
}
