package mcts

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/brensch/gozero/game"
	"github.com/brensch/gozero/rules"
	"github.com/samber/lo"
)

// superkoCacheStride is the depth interval at which nodes materialise the
// set of all ancestor stone hashes.
const superkoCacheStride = 8

// Params are the search constants shared by every node of a tree.
type Params struct {
	CPuct float32
	// MaxGameLength ends the game once this many moves have been played.
	MaxGameLength int
}

func DefaultParams() Params {
	return Params{CPuct: 1.5, MaxGameLength: game.NumPoints * 2}
}

// edges holds statistics for every outgoing move of a node. A node's own N
// and W live in its parent's edges, so a child's value can be seeded before
// the child exists.
//
// VL counts outstanding virtual losses. They are kept apart from N and W and
// folded in when the statistics are read, so reverting one is exact.
type edges struct {
	N         [game.NumMoves]float32
	W         [game.NumMoves]float32
	VL        [game.NumMoves]float32
	P         [game.NumMoves]float32
	OriginalP [game.NumMoves]float32
}

// Node is one vertex of the search tree. All values are stored from black's
// perspective. A tree is only ever mutated by one goroutine.
type Node struct {
	parent   *Node
	move     game.Coord
	position *game.Position
	params   *Params

	// in and inIdx locate this node's own N and W: the parent's edges for a
	// child, a private entry for a detached root.
	in    *edges
	inIdx int

	edges    edges
	children map[game.Coord]*Node
	legal    [game.NumMoves]bool

	expanded bool
	gameOver bool

	superko map[game.Hash]struct{}
}

// NewRoot returns a detached root for position. parent may be nil; when set
// it is only used for superko and end-of-game detection.
func NewRoot(position *game.Position, parent *Node, params *Params) *Node {
	n := &Node{
		parent:   parent,
		move:     position.PrevMove(),
		position: position,
		params:   params,
		in:       &edges{},
	}
	n.init()
	return n
}

func newChild(parent *Node, move game.Coord) *Node {
	n := &Node{
		parent:   parent,
		move:     move,
		position: parent.position.PlayMove(move),
		params:   parent.params,
		in:       &parent.edges,
		inIdx:    int(move),
	}
	n.init()
	return n
}

func (n *Node) init() {
	prev := game.Invalid
	if n.parent != nil {
		prev = n.parent.position.PrevMove()
	}
	n.gameOver = rules.IsGameOver(n.position, prev, n.params.MaxGameLength)

	if n.position.MoveNum()%superkoCacheStride == 0 {
		n.buildSuperkoCache()
	}
	n.updateLegalMoves()
}

func (n *Node) buildSuperkoCache() {
	n.superko = make(map[game.Hash]struct{})
	for a := n; a != nil; a = a.parent {
		if a != n && a.superko != nil {
			for h := range a.superko {
				n.superko[h] = struct{}{}
			}
			return
		}
		n.superko[a.position.StoneHash()] = struct{}{}
	}
}

// positionSeenBefore reports whether a stone configuration with hash h occurs
// at this node or any ancestor.
func (n *Node) positionSeenBefore(h game.Hash) bool {
	for a := n; a != nil; a = a.parent {
		if a.superko != nil {
			_, ok := a.superko[h]
			return ok
		}
		if a.position.StoneHash() == h {
			return true
		}
	}
	return false
}

func (n *Node) updateLegalMoves() {
	for i := 0; i < game.NumPoints; i++ {
		c := game.Coord(i)
		if n.position.ClassifyMove(c) == game.Illegal {
			continue
		}
		n.legal[i] = !n.positionSeenBefore(n.position.StoneHashAfter(c))
	}
	n.legal[game.Pass] = true
}

// perspectiveSign is +1 when black is to play at n and -1 for white. It is the
// only place the sign convention is decided.
func perspectiveSign(n *Node) float32 {
	return n.position.ToPlay().Sign()
}

func (n *Node) Position() *game.Position { return n.position }
func (n *Node) Move() game.Coord         { return n.move }
func (n *Node) Parent() *Node            { return n.parent }
func (n *Node) IsExpanded() bool         { return n.expanded }
func (n *Node) GameOver() bool           { return n.gameOver }
func (n *Node) VirtualLosses() int       { return int(n.in.VL[n.inIdx]) }

func (n *Node) Legal(m game.Coord) bool {
	return m >= 0 && m < game.NumMoves && n.legal[m]
}

// N and W include outstanding virtual losses: each counts as a visit that
// ended in a win for the side to move here, i.e. a loss for the parent's
// mover.
func (n *Node) N() float32 { return n.in.N[n.inIdx] + n.in.VL[n.inIdx] }
func (n *Node) W() float32 { return n.in.W[n.inIdx] + n.in.VL[n.inIdx]*perspectiveSign(n) }

// Q is the mean value from black's perspective. The unit in the denominator
// counts the seeded W of an unvisited edge as one observation.
func (n *Node) Q() float32 { return n.W() / (1 + n.N()) }

// QPerspective is Q from the point of view of the side to move.
func (n *Node) QPerspective() float32 { return n.Q() * perspectiveSign(n) }

// Every child has the other side to move, hence the minus on virtual losses.
func (n *Node) ChildN(m game.Coord) float32 { return n.edges.N[m] + n.edges.VL[m] }
func (n *Node) ChildW(m game.Coord) float32 { return n.edges.W[m] - n.edges.VL[m]*perspectiveSign(n) }
func (n *Node) ChildP(m game.Coord) float32 { return n.edges.P[m] }
func (n *Node) ChildQ(m game.Coord) float32 { return n.ChildW(m) / (1 + n.ChildN(m)) }

// Child returns the existing child for m or nil.
func (n *Node) Child(m game.Coord) *Node { return n.children[m] }

// ChildVisits returns the visit distribution over all moves, normalised to
// sum to 1. It is all zeros if no child has been visited.
func (n *Node) ChildVisits() []float32 {
	out := make([]float32, game.NumMoves)
	var sum float32
	for i, v := range n.edges.N {
		out[i] = v
		sum += v
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

func (n *Node) uScale() float32 {
	return n.params.CPuct * float32(math.Sqrt(math.Max(1, float64(n.N()-1))))
}

func (n *Node) actionScore(m game.Coord, uScale float32) float32 {
	return n.ChildQ(m)*perspectiveSign(n) + uScale*n.edges.P[m]/(1+n.ChildN(m))
}

// bestAction returns the legal move with the highest action score. Ties go to
// the lowest move index.
func (n *Node) bestAction() game.Coord {
	u := n.uScale()
	best := game.Pass
	bestScore := float32(math.Inf(-1))
	for m := game.Coord(0); m < game.NumMoves; m++ {
		if !n.legal[m] {
			continue
		}
		if s := n.actionScore(m, u); s > bestScore {
			best, bestScore = m, s
		}
	}
	return best
}

// SelectLeaf descends from n along maximal action scores until it reaches a
// node that has not been expanded. Game-over nodes are never expanded, so
// they are returned as leaves too.
func (n *Node) SelectLeaf() *Node {
	node := n
	for node.expanded {
		// After a pass, look at the double pass before anything else.
		if node.position.PrevMove() == game.Pass && node.edges.N[game.Pass] == 0 {
			node = node.MaybeAddChild(game.Pass)
			continue
		}
		node = node.MaybeAddChild(node.bestAction())
	}
	return node
}

// MaybeAddChild returns the child for m, creating it on first use.
func (n *Node) MaybeAddChild(m game.Coord) *Node {
	if child, ok := n.children[m]; ok {
		return child
	}
	if n.children == nil {
		n.children = make(map[game.Coord]*Node)
	}
	child := newChild(n, m)
	n.children[m] = child
	return child
}

// IncorporateResults expands n with a network evaluation. policy is indexed
// by move in board orientation; value is from black's perspective. A second
// evaluation of an already expanded node is ignored.
func (n *Node) IncorporateResults(policy []float32, value float32, stop *Node) {
	if n.expanded {
		return
	}
	n.expanded = true

	var sum float32
	for m := 0; m < game.NumMoves; m++ {
		if n.legal[m] {
			sum += policy[m]
		}
	}
	scale := float32(1)
	if sum > 1e-8 {
		scale = 1 / sum
	}
	for m := 0; m < game.NumMoves; m++ {
		p := float32(0)
		if n.legal[m] {
			p = policy[m] * scale
		}
		n.edges.P[m] = p
		n.edges.OriginalP[m] = p
		n.edges.W[m] = value
	}

	n.BackupValue(value, stop)
}

// IncorporateEndGameResult backs up the final result of a finished game.
func (n *Node) IncorporateEndGameResult(value float32, stop *Node) {
	n.BackupValue(value, stop)
}

// BackupValue adds value to W and one to N of every node from n up to and
// including stop.
func (n *Node) BackupValue(value float32, stop *Node) {
	for node := n; ; node = node.parent {
		node.in.W[node.inIdx] += value
		node.in.N[node.inIdx]++
		if node == stop || node.parent == nil {
			return
		}
	}
}

// AddVirtualLoss makes every node from n up to stop look like a loss for the
// player choosing it, steering concurrent descents elsewhere.
func (n *Node) AddVirtualLoss(stop *Node) {
	for node := n; ; node = node.parent {
		node.in.VL[node.inIdx]++
		if node == stop || node.parent == nil {
			return
		}
	}
}

// RevertVirtualLoss undoes one AddVirtualLoss with the same stop node.
func (n *Node) RevertVirtualLoss(stop *Node) {
	for node := n; ; node = node.parent {
		node.in.VL[node.inIdx]--
		if node == stop || node.parent == nil {
			return
		}
	}
}

// InjectNoise mixes noise into the priors: P = (1-mix)*P0 + mix*noise, with
// noise renormalised over the legal moves. P0 is the prior from the network,
// so repeated injection does not compound.
func (n *Node) InjectNoise(noise []float32, mix float32) {
	var sum float32
	for m := 0; m < game.NumMoves; m++ {
		if n.legal[m] {
			sum += noise[m]
		}
	}
	scale := float32(1)
	if sum > 1e-8 {
		scale = 1 / sum
	}
	for m := 0; m < game.NumMoves; m++ {
		if !n.legal[m] {
			n.edges.P[m] = 0
			continue
		}
		n.edges.P[m] = (1-mix)*n.edges.OriginalP[m] + mix*noise[m]*scale
	}
}

// GetMostVisitedMove returns the legal move with the most visits, breaking
// ties by action score.
func (n *Node) GetMostVisitedMove() game.Coord {
	bestN := float32(-1)
	var tied []game.Coord
	for m := game.Coord(0); m < game.NumMoves; m++ {
		if !n.legal[m] {
			continue
		}
		switch v := n.edges.N[m]; {
		case v > bestN:
			bestN = v
			tied = append(tied[:0], m)
		case v == bestN:
			tied = append(tied, m)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	u := n.uScale()
	best := tied[0]
	bestScore := n.actionScore(best, u)
	for _, m := range tied[1:] {
		if s := n.actionScore(m, u); s > bestScore {
			best, bestScore = m, s
		}
	}
	return best
}

// PruneChildren drops every child except keep.
func (n *Node) PruneChildren(keep game.Coord) {
	child, ok := n.children[keep]
	n.children = nil
	if ok {
		n.children = map[game.Coord]*Node{keep: child}
	}
}

// Describe summarises the most visited children for logs.
func (n *Node) Describe() string {
	all := lo.Range(game.NumMoves)
	visited := lo.Filter(all, func(m int, _ int) bool { return n.edges.N[m] > 0 })
	sort.SliceStable(visited, func(i, j int) bool {
		return n.edges.N[visited[i]] > n.edges.N[visited[j]]
	})
	if len(visited) > 8 {
		visited = visited[:8]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "move %d %s to play: N=%.0f Q=%.3f", n.position.MoveNum(), n.position.ToPlay(), n.N(), n.Q())
	for _, m := range visited {
		c := game.Coord(m)
		fmt.Fprintf(&sb, "\n  %-6s N=%-5.0f Q=%+.3f P=%.3f P0=%.3f", c, n.edges.N[m], n.ChildQ(c), n.edges.P[m], n.edges.OriginalP[m])
	}
	return sb.String()
}
