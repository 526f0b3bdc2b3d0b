package mcts

import (
	"context"
	"fmt"

	"github.com/brensch/gozero/executor/convert"
	"github.com/brensch/gozero/executor/inference"
	"github.com/brensch/gozero/game"
	"github.com/brensch/gozero/rules"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// Tree tracks the root of the whole game and the current search root.
type Tree struct {
	params   *Params
	gameRoot *Node
	root     *Node
}

func NewTree(position *game.Position, params Params) *Tree {
	p := params
	root := NewRoot(position, nil, &p)
	return &Tree{params: &p, gameRoot: root, root: root}
}

func (t *Tree) Root() *Node     { return t.root }
func (t *Tree) GameRoot() *Node { return t.gameRoot }

// SetParams updates the search constants for every node of the tree. Only
// call it between searches.
func (t *Tree) SetParams(p Params) { *t.params = p }

// PlayMove advances the root to its child for m and discards the siblings.
// The played path is kept for superko checks.
func (t *Tree) PlayMove(m game.Coord) {
	if !t.root.Legal(m) {
		panic(fmt.Sprintf("illegal move %s at move %d", m, t.root.position.MoveNum()))
	}
	child := t.root.MaybeAddChild(m)
	t.root.PruneChildren(m)
	t.root = child
}

// ResetRoot throws away the search statistics below the current position.
func (t *Tree) ResetRoot() {
	old := t.root
	old.children = nil
	t.root = NewRoot(old.position, old.parent, t.params)
	if old == t.gameRoot {
		t.gameRoot = t.root
	}
}

// Moves returns the moves played from the game root to the current root.
func (t *Tree) Moves() []game.Coord {
	var moves []game.Coord
	for n := t.root; n != t.gameRoot && n != nil; n = n.parent {
		moves = append(moves, n.move)
	}
	for i, j := 0, len(moves)-1; i < j; i, j = i+1, j-1 {
		moves[i], moves[j] = moves[j], moves[i]
	}
	return moves
}

// Searcher runs readouts on one game's tree. Leaves of a round are evaluated
// concurrently; all tree mutation happens on the calling goroutine.
type Searcher struct {
	tree      *Tree
	predictor inference.Predictor
	rng       *rand.Rand

	// VirtualLosses is the number of leaves gathered per round.
	VirtualLosses int
	// RandomSymmetry evaluates each leaf under a random board symmetry.
	RandomSymmetry bool

	history []*game.Position
}

func NewSearcher(tree *Tree, predictor inference.Predictor, rng *rand.Rand) *Searcher {
	return &Searcher{
		tree:           tree,
		predictor:      predictor,
		rng:            rng,
		VirtualLosses:  8,
		RandomSymmetry: true,
	}
}

func (s *Searcher) Tree() *Tree { return s.tree }

type pendingLeaf struct {
	node   *Node
	req    inference.Request
	buf    *[]float32
	sym    convert.Symmetry
	result inference.Result
}

// TreeSearch runs one round: up to VirtualLosses leaves are selected,
// evaluated together and backed up. It returns the number of leaves whose
// value reached the root. An evaluation error fails the whole round; the
// tree is left without outstanding virtual losses.
func (s *Searcher) TreeSearch(ctx context.Context) (int, error) {
	root := s.tree.root
	n := s.VirtualLosses
	if n <= 0 {
		n = 1
	}

	backedUp := 0
	leaves := make([]*pendingLeaf, 0, n)
	for i := 0; i < n; i++ {
		leaf := root.SelectLeaf()
		if leaf.GameOver() {
			leaf.IncorporateEndGameResult(rules.GetResult(leaf.position), root)
			backedUp++
			continue
		}
		leaf.AddVirtualLoss(root)
		leaves = append(leaves, s.prepare(leaf))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range leaves {
		g.Go(func() error {
			res, err := s.predictor.Predict(gctx, p.req)
			if err != nil {
				return fmt.Errorf("evaluate move %d: %w", p.node.position.MoveNum(), err)
			}
			p.result = res
			return nil
		})
	}
	err := g.Wait()

	for _, p := range leaves {
		p.node.RevertVirtualLoss(root)
	}
	if err != nil {
		// Buffers of abandoned requests may still be read by the batcher;
		// let the garbage collector have them.
		return backedUp, err
	}

	policy := make([]float32, convert.PolicySize)
	for _, p := range leaves {
		convert.InversePolicy(p.sym, p.result.Policy, policy)
		convert.PutFloatBuffer(p.buf)
		if !p.node.expanded {
			backedUp++
		}
		p.node.IncorporateResults(policy, p.result.Value*perspectiveSign(p.node), root)
	}
	return backedUp, nil
}

func (s *Searcher) prepare(leaf *Node) *pendingLeaf {
	sym := convert.Identity
	if s.RandomSymmetry {
		sym = convert.Symmetry(s.rng.Intn(convert.NumSymmetries))
	}

	s.history = s.history[:0]
	for a := leaf; a != nil && len(s.history) < convert.HistoryLen; a = a.parent {
		s.history = append(s.history, a.position)
	}
	buf := convert.EncodeToPool(s.history, sym)

	pos := leaf.position
	return &pendingLeaf{
		node: leaf,
		buf:  buf,
		sym:  sym,
		req: inference.Request{
			Features: *buf,
			Key: inference.CacheKey{
				Hash:     pos.StoneHash(),
				ToPlay:   pos.ToPlay(),
				PrevPass: pos.PrevMove() == game.Pass,
				Symmetry: sym,
			},
		},
	}
}

// ExpandRoot evaluates the root if it has not been evaluated yet.
func (s *Searcher) ExpandRoot(ctx context.Context) error {
	root := s.tree.root
	for !root.expanded && !root.gameOver {
		saved := s.VirtualLosses
		s.VirtualLosses = 1
		_, err := s.TreeSearch(ctx)
		s.VirtualLosses = saved
		if err != nil {
			return err
		}
	}
	return nil
}

// Search runs rounds until the root has received readouts more visits, or
// stop reports true between rounds.
func (s *Searcher) Search(ctx context.Context, readouts int, stop func() bool) error {
	root := s.tree.root
	target := root.N() + float32(readouts)
	for root.N() < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stop != nil && stop() {
			return nil
		}
		if _, err := s.TreeSearch(ctx); err != nil {
			return err
		}
	}
	return nil
}
