// Command gamestats summarises self-play output: results, game lengths and
// how often resignation would have been wrong.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/brensch/gozero/logging"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog/log"
)

type modelStats struct {
	Model          string
	Games          int64
	BlackWins      int64
	WhiteWins      int64
	AvgMoves       float64
	Resigned       int64
	ResignDisabled int64
	WouldResign    int64
	FalsePositives int64
}

func (s modelStats) falsePositiveRate() float64 {
	if s.WouldResign == 0 {
		return 0
	}
	return float64(s.FalsePositives) / float64(s.WouldResign)
}

func openGames(dir string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, err
	}
	_, _ = db.Exec("PRAGMA threads=4")

	glob := filepath.Join(dir, "**", "games_*.parquet")
	q := `CREATE OR REPLACE VIEW games AS
		SELECT * FROM read_parquet('` + escapeSQLString(glob) + `', filename=true, union_by_name=true)
		WHERE NOT contains(filename, '/tmp/games_')`
	if _, err := db.Exec(q); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", glob, err)
	}
	return db, nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

const statsQuery = `
SELECT
	model,
	COUNT(*),
	COUNT(*) FILTER (WHERE winner = 'B'),
	COUNT(*) FILTER (WHERE winner = 'W'),
	AVG(num_moves),
	COUNT(*) FILTER (WHERE resigned),
	COUNT(*) FILTER (WHERE resign_disabled),
	COUNT(*) FILTER (WHERE resign_disabled AND would_resign_move >= 0),
	COUNT(*) FILTER (WHERE false_positive)
FROM games
GROUP BY model
ORDER BY model`

func queryStats(ctx context.Context, db *sql.DB) ([]modelStats, error) {
	rows, err := db.QueryContext(ctx, statsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []modelStats
	for rows.Next() {
		var s modelStats
		if err := rows.Scan(&s.Model, &s.Games, &s.BlackWins, &s.WhiteWins, &s.AvgMoves,
			&s.Resigned, &s.ResignDisabled, &s.WouldResign, &s.FalsePositives); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func printStats(w io.Writer, stats []modelStats, targetFP float64) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "model\tgames\tB wins\tW wins\tavg moves\tresigned\tno-resign\twould resign\tfalse pos\tfp rate")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\t%d\t%d\t%d\t%d\t%.1f%%\n",
			s.Model, s.Games, s.BlackWins, s.WhiteWins, s.AvgMoves,
			s.Resigned, s.ResignDisabled, s.WouldResign, s.FalsePositives, 100*s.falsePositiveRate())
	}
	_ = tw.Flush()

	for _, s := range stats {
		if s.WouldResign > 0 && s.falsePositiveRate() > targetFP {
			fmt.Fprintf(w, "%s: false positive rate %.1f%% is above %.1f%%; lower resign_threshold\n",
				s.Model, 100*s.falsePositiveRate(), 100*targetFP)
		}
	}
}

func main() {
	dir := flag.String("dir", "data/selfplay", "Directory holding games_*.parquet files")
	targetFP := flag.Float64("target-fp", 0.05, "Acceptable resign false positive rate")
	flag.Parse()
	logging.MustSetup("info", logging.FormatConsole)

	db, err := openGames(*dir)
	if err != nil {
		log.Fatal().Err(err).Msg("open games")
	}
	defer db.Close()

	stats, err := queryStats(context.Background(), db)
	if err != nil {
		log.Fatal().Err(err).Msg("query games")
	}
	printStats(os.Stdout, stats, *targetFP)
}
