package scene

import "time"

// Graph is the scene root. It is not safe for concurrent use.
type Graph struct {
	root  *Node
	ticks uint64
}

func NewGraph() *Graph {
	return &Graph{root: NewNode("root")}
}

func (g *Graph) Root() *Node { return g.root }

// Add places n directly under the root.
func (g *Graph) Add(n *Node) { g.root.AddChild(n) }

// Tick runs every Updater component in depth-first order.
func (g *Graph) Tick(dt time.Duration) {
	g.ticks++
	g.root.update(dt)
}

func (g *Graph) Ticks() uint64 { return g.ticks }

// Walk visits every live node below the root, depth first.
func (g *Graph) Walk(fn func(n *Node) bool) {
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		for _, c := range n.children {
			if !fn(c) || !walk(c) {
				return false
			}
		}
		return true
	}
	walk(g.root)
}

// Len counts the live nodes below the root.
func (g *Graph) Len() int {
	n := 0
	g.Walk(func(*Node) bool { n++; return true })
	return n
}
