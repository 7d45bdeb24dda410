// Package scene is the client's scene graph. Nodes are the opaque handles the
// rest of the client holds; every mutation happens on the goroutine that runs
// the scene tick.
package scene

import (
	"sync/atomic"
	"time"
)

// Component is a unit of logic or data attached to a node.
type Component interface {
	ComponentName() string
}

// Updater is implemented by components that run once per scene tick.
type Updater interface {
	Update(n *Node, dt time.Duration)
}

// Detacher is implemented by components that hold resources released when
// they leave their node.
type Detacher interface {
	Detach(n *Node)
}

var nextNodeID atomic.Uint64

type Node struct {
	id   uint64
	Name string

	LocalPosition Vec3
	LocalRotation Quat
	LocalScale    Vec3

	// Meta carries loader-provided facts about the asset behind the node.
	Meta map[string]string

	parent     *Node
	children   []*Node
	components []Component
	destroyed  bool
}

func NewNode(name string) *Node {
	return &Node{
		id:            nextNodeID.Add(1),
		Name:          name,
		LocalRotation: IdentityQuat,
		LocalScale:    Vec3{1, 1, 1},
	}
}

func (n *Node) ID() uint64 { return n.id }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) Children() []*Node { return n.children }

func (n *Node) Destroyed() bool { return n == nil || n.destroyed }

func (n *Node) SetMeta(k, v string) {
	if n.Meta == nil {
		n.Meta = map[string]string{}
	}
	n.Meta[k] = v
}

// AddChild reparents c under n.
func (n *Node) AddChild(c *Node) {
	if c.parent != nil {
		c.parent.removeChild(c)
	}
	c.parent = n
	n.children = append(n.children, c)
}

func (n *Node) removeChild(c *Node) {
	for i, ch := range n.children {
		if ch == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			c.parent = nil
			return
		}
	}
}

func (n *Node) AddComponent(c Component) {
	n.components = append(n.components, c)
}

func (n *Node) Components() []Component { return n.components }

// Component returns the first component with the given name.
func (n *Node) Component(name string) (Component, bool) {
	for _, c := range n.components {
		if c.ComponentName() == name {
			return c, true
		}
	}
	return nil, false
}

// RemoveComponent detaches c from n.
func (n *Node) RemoveComponent(c Component) bool {
	for i, cur := range n.components {
		if cur == c {
			n.components = append(n.components[:i], n.components[i+1:]...)
			if d, ok := c.(Detacher); ok {
				d.Detach(n)
			}
			return true
		}
	}
	return false
}

// Destroy detaches every component, destroys the subtree and unlinks n from
// its parent.
func (n *Node) Destroy() {
	if n.destroyed {
		return
	}
	for _, c := range append([]*Node(nil), n.children...) {
		c.Destroy()
	}
	for len(n.components) > 0 {
		n.RemoveComponent(n.components[len(n.components)-1])
	}
	if n.parent != nil {
		n.parent.removeChild(n)
	}
	n.destroyed = true
}

// Rotate applies Euler degrees in local space on top of the current rotation.
func (n *Node) Rotate(euler Vec3) {
	n.LocalRotation = n.LocalRotation.Mul(FromEuler(euler)).Normalize()
}

func (n *Node) update(dt time.Duration) {
	for _, c := range append([]Component(nil), n.components...) {
		if u, ok := c.(Updater); ok {
			u.Update(n, dt)
		}
	}
	for _, c := range append([]*Node(nil), n.children...) {
		if !c.destroyed {
			c.update(dt)
		}
	}
}
