package mcts

import (
	"context"
	"errors"
	"testing"

	"github.com/brensch/gozero/executor/convert"
	"github.com/brensch/gozero/executor/inference"
	"github.com/brensch/gozero/game"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// MockPredictor returns a uniform policy and a fixed value.
type MockPredictor struct {
	Value float32
	Err   error
}

func (m *MockPredictor) Predict(ctx context.Context, req inference.Request) (inference.Result, error) {
	if m.Err != nil {
		return inference.Result{}, m.Err
	}
	policy := make([]float32, convert.PolicySize)
	for i := range policy {
		policy[i] = 1 / float32(len(policy))
	}
	return inference.Result{Policy: policy, Value: m.Value}, nil
}

func uniform() []float32 {
	p := make([]float32, game.NumMoves)
	for i := range p {
		p[i] = 1 / float32(game.NumMoves)
	}
	return p
}

func coord(t *testing.T, s string) game.Coord {
	t.Helper()
	c, err := game.ParseCoord(s)
	require.NoError(t, err)
	return c
}

func newTree() *Tree {
	return NewTree(game.NewPosition(game.DefaultKomi), DefaultParams())
}

func playAll(t *testing.T, tree *Tree, moves ...string) {
	t.Helper()
	for _, m := range moves {
		tree.PlayMove(coord(t, m))
	}
}

type snapshot struct{ n, w float32 }

func pathStats(leaf, root *Node) []snapshot {
	var out []snapshot
	for node := leaf; ; node = node.parent {
		out = append(out, snapshot{node.N(), node.W()})
		if node == root {
			return out
		}
	}
}

func TestSelectLeafUniformPicksLowestIndex(t *testing.T) {
	root := newTree().Root()
	root.IncorporateResults(uniform(), 0, root)

	leaf := root.SelectLeaf()
	require.Equal(t, game.Coord(0), leaf.Move())
	require.Same(t, root, leaf.Parent())
	require.False(t, leaf.IsExpanded())
}

func TestSelectLeafForcesPassAfterPass(t *testing.T) {
	tree := newTree()
	tree.PlayMove(game.Pass)
	root := tree.Root()

	policy := make([]float32, game.NumMoves)
	policy[coord(t, "E5")] = 1
	root.IncorporateResults(policy, 0, root)

	require.Equal(t, game.Pass, root.SelectLeaf().Move())
	require.True(t, root.Child(game.Pass).GameOver())
}

func TestIncorporateResultsNormalisesOverLegalMoves(t *testing.T) {
	tree := newTree()
	playAll(t, tree, "E5", "D5", "A1", "C5")
	root := tree.Root()

	rng := rand.New(rand.NewSource(7))
	policy := make([]float32, game.NumMoves)
	for i := range policy {
		policy[i] = rng.Float32()
	}
	root.IncorporateResults(policy, 0.25, root)

	var sum float32
	for m := game.Coord(0); m < game.NumMoves; m++ {
		if !root.Legal(m) {
			require.Zero(t, root.ChildP(m), "illegal move %s has a prior", m)
			continue
		}
		sum += root.ChildP(m)
		require.Equal(t, float32(0.25), root.ChildW(m))
		require.InDelta(t, 0.25, root.ChildQ(m), 1e-6)
	}
	require.InDelta(t, 1, sum, 1e-5)
	require.False(t, root.Legal(coord(t, "E5")))
	require.True(t, root.Legal(game.Pass))
}

func TestIncorporateResultsZeroLegalMass(t *testing.T) {
	root := newTree().Root()
	root.IncorporateResults(make([]float32, game.NumMoves), 0, root)
	for m := game.Coord(0); m < game.NumMoves; m++ {
		require.Zero(t, root.ChildP(m))
	}
	require.True(t, root.IsExpanded())
}

func TestIncorporateResultsTwiceIsNoop(t *testing.T) {
	root := newTree().Root()
	root.IncorporateResults(uniform(), 0.5, root)
	n, w := root.N(), root.W()

	policy := make([]float32, game.NumMoves)
	policy[3] = 1
	root.IncorporateResults(policy, -1, root)
	require.Equal(t, n, root.N())
	require.Equal(t, w, root.W())
	require.InDelta(t, 1/float32(game.NumMoves), root.ChildP(3), 1e-6)
}

func TestBackupValueAddsOneVisit(t *testing.T) {
	root := newTree().Root()
	root.IncorporateResults(uniform(), 0.1, root)
	child := root.SelectLeaf()
	child.IncorporateResults(uniform(), -0.2, root)
	leaf := child.MaybeAddChild(coord(t, "E5"))

	before := pathStats(leaf, root)
	leaf.BackupValue(0.5, root)
	after := pathStats(leaf, root)

	require.Len(t, after, 3)
	for i := range before {
		require.Equal(t, before[i].n+1, after[i].n)
		require.InDelta(t, before[i].w+0.5, after[i].w, 1e-6)
	}
}

func TestBackupStopsAtStopNode(t *testing.T) {
	tree := newTree()
	gameRoot := tree.Root()
	gameRoot.IncorporateResults(uniform(), 0, gameRoot)
	tree.PlayMove(coord(t, "E5"))
	root := tree.Root()

	n := gameRoot.N()
	root.IncorporateResults(uniform(), 0.3, root)
	require.Equal(t, n, gameRoot.N())
	require.Equal(t, float32(1), root.N())
}

func TestVirtualLossRoundTrip(t *testing.T) {
	root := newTree().Root()
	root.IncorporateResults(uniform(), 0.3, root)
	child := root.SelectLeaf()
	child.IncorporateResults(uniform(), -0.7, root)
	leaf := child.MaybeAddChild(coord(t, "E5"))

	before := pathStats(leaf, root)
	for i := 0; i < 3; i++ {
		leaf.AddVirtualLoss(root)
	}
	require.Equal(t, 3, leaf.VirtualLosses())
	during := pathStats(leaf, root)
	for i := range before {
		require.Equal(t, before[i].n+3, during[i].n)
	}
	for i := 0; i < 3; i++ {
		leaf.RevertVirtualLoss(root)
	}
	require.Equal(t, before, pathStats(leaf, root))
	require.Zero(t, root.VirtualLosses())
}

func TestVirtualLossSteersSelection(t *testing.T) {
	root := newTree().Root()
	root.IncorporateResults(uniform(), 0, root)

	first := root.SelectLeaf()
	first.AddVirtualLoss(root)
	second := root.SelectLeaf()
	require.NotEqual(t, first.Move(), second.Move())

	// The child looks worse to the player choosing it: black is to play at
	// the root, so the virtual loss pushes Q towards white.
	require.Less(t, root.ChildQ(first.Move()), root.ChildQ(second.Move()))
	first.RevertVirtualLoss(root)
}

func TestSuperkoRejectsKoRecapture(t *testing.T) {
	tree := newTree()
	// Black surrounds E5 from three sides, white surrounds F5; white fills
	// E5 and black takes it by playing F5.
	playAll(t, tree, "E6", "F6", "D5", "G5", "E4", "F4", "A1", "E5", "F5")
	root := tree.Root()

	e5 := coord(t, "E5")
	require.Equal(t, game.Capture, root.Position().ClassifyMove(e5), "local rules allow the recapture")
	require.False(t, root.Legal(e5), "recapture recreates the position two plies back")
	require.True(t, root.Legal(game.Pass))

	// Once the board has changed elsewhere the recapture is legal again.
	playAll(t, tree, "J9", "H9")
	require.True(t, tree.Root().Legal(e5))
}

func TestSuperkoCacheMatchesFullWalk(t *testing.T) {
	tree := newTree()
	rng := rand.New(rand.NewSource(3))
	var seen []game.Hash
	seen = append(seen, tree.Root().Position().StoneHash())

	for i := 0; i < 60 && !tree.Root().GameOver(); i++ {
		root := tree.Root()
		var legal []game.Coord
		for m := game.Coord(0); m < game.NumPoints; m++ {
			if root.Legal(m) {
				legal = append(legal, m)
			}
		}
		if len(legal) == 0 {
			break
		}
		tree.PlayMove(legal[rng.Intn(len(legal))])
		seen = append(seen, tree.Root().Position().StoneHash())

		for _, h := range seen {
			require.True(t, tree.Root().positionSeenBefore(h))
		}
		require.False(t, tree.Root().positionSeenBefore(game.Hash(rng.Uint64())))
	}
}

func TestGetMostVisitedMove(t *testing.T) {
	root := newTree().Root()
	policy := uniform()
	policy[20] = 0.5
	root.IncorporateResults(policy, 0, root)

	root.edges.N[10] = 5
	root.edges.N[30] = 7
	require.Equal(t, game.Coord(30), root.GetMostVisitedMove())

	// Equal visits: the higher prior gives the higher action score.
	root.edges.N[20] = 7
	require.Equal(t, game.Coord(20), root.GetMostVisitedMove())

	// Illegal moves are never returned, whatever their count.
	tree := newTree()
	playAll(t, tree, "A9")
	r := tree.Root()
	r.IncorporateResults(uniform(), 0, r)
	r.edges.N[0] = 100
	require.NotEqual(t, game.Coord(0), r.GetMostVisitedMove())
}

func TestInjectNoise(t *testing.T) {
	tree := newTree()
	playAll(t, tree, "E5")
	root := tree.Root()
	root.IncorporateResults(uniform(), 0, root)

	noise := make([]float32, game.NumMoves)
	for i := range noise {
		noise[i] = float32(i + 1)
	}
	root.InjectNoise(noise, 0.25)
	root.InjectNoise(noise, 0.25)

	var sum float32
	for m := game.Coord(0); m < game.NumMoves; m++ {
		if !root.Legal(m) {
			require.Zero(t, root.ChildP(m))
			continue
		}
		sum += root.ChildP(m)
	}
	require.InDelta(t, 1, sum, 1e-5)
	require.Greater(t, root.ChildP(game.Pass), root.ChildP(0))

	// A degenerate noise vector is mixed in unscaled.
	root.InjectNoise(make([]float32, game.NumMoves), 0.25)
	// 80 empty points plus pass are legal.
	require.InDelta(t, 0.75/float32(game.NumMoves-1), root.ChildP(0), 1e-6)
}

func TestPlayMovePrunesSiblings(t *testing.T) {
	tree := newTree()
	root := tree.Root()
	root.IncorporateResults(uniform(), 0, root)
	for i := 0; i < 5; i++ {
		leaf := root.SelectLeaf()
		leaf.IncorporateResults(uniform(), 0, root)
	}
	require.Len(t, root.children, 5)

	m := root.GetMostVisitedMove()
	kept := root.Child(m)
	tree.PlayMove(m)
	require.Same(t, kept, tree.Root())
	require.Len(t, root.children, 1)
	require.Equal(t, []game.Coord{m}, tree.Moves())
}

func TestResetRootKeepsAncestry(t *testing.T) {
	tree := newTree()
	playAll(t, tree, "E6", "F6", "D5", "G5", "E4", "F4", "A1", "E5", "F5")
	tree.ResetRoot()
	root := tree.Root()
	require.Zero(t, root.N())
	require.False(t, root.IsExpanded())
	require.False(t, root.Legal(coord(t, "E5")))
}

func TestSearcherReadouts(t *testing.T) {
	tree := newTree()
	s := NewSearcher(tree, &MockPredictor{Value: 0.1}, rand.New(rand.NewSource(1)))
	ctx := context.Background()

	require.NoError(t, s.ExpandRoot(ctx))
	require.NoError(t, s.Search(ctx, 64, nil))

	root := tree.Root()
	require.GreaterOrEqual(t, root.N(), float32(65))
	require.Zero(t, root.VirtualLosses())

	var childN float32
	for m := game.Coord(0); m < game.NumMoves; m++ {
		childN += root.ChildN(m)
	}
	require.Equal(t, root.N()-1, childN)

	visits := root.ChildVisits()
	var sum float32
	for _, v := range visits {
		sum += v
	}
	require.InDelta(t, 1, sum, 1e-5)
}

func TestSearcherEndGameLeaf(t *testing.T) {
	tree := newTree()
	tree.PlayMove(game.Pass)
	tree.PlayMove(game.Pass)
	root := tree.Root()
	require.True(t, root.GameOver())

	s := NewSearcher(tree, &MockPredictor{}, rand.New(rand.NewSource(1)))
	n, err := s.TreeSearch(context.Background())
	require.NoError(t, err)
	require.Equal(t, s.VirtualLosses, n)
	// Empty board: white wins on komi.
	require.Equal(t, float32(-s.VirtualLosses), root.W())
	require.False(t, root.IsExpanded())
}

func TestSearcherEvaluationFailure(t *testing.T) {
	boom := errors.New("network unavailable")
	tree := newTree()
	s := NewSearcher(tree, &MockPredictor{Err: boom}, rand.New(rand.NewSource(1)))

	_, err := s.TreeSearch(context.Background())
	require.ErrorIs(t, err, boom)
	require.Zero(t, tree.Root().N())
	require.Zero(t, tree.Root().VirtualLosses())
}

func TestSearcherThroughBatcher(t *testing.T) {
	b := inference.NewBatcher(inference.UniformModel{}, inference.BatcherConfig{BatchSize: 8})
	defer b.Close()

	tree := newTree()
	s := NewSearcher(tree, b, rand.New(rand.NewSource(2)))
	require.NoError(t, s.ExpandRoot(context.Background()))
	require.NoError(t, s.Search(context.Background(), 32, nil))
	require.GreaterOrEqual(t, tree.Root().N(), float32(33))
}

func BenchmarkSearch(b *testing.B) {
	client := &MockPredictor{}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree := newTree()
		s := NewSearcher(tree, client, rand.New(rand.NewSource(uint64(i))))
		if err := s.Search(context.Background(), 800, nil); err != nil {
			b.Fatalf("Search failed: %v", err)
		}
	}
}
