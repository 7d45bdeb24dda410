package behavior

import (
	"errors"
	"time"

	"github.com/Shopify/go-lua"
	"github.com/rs/zerolog"

	"runtimeloader.dev/internal/scene"
)

const (
	entityTypeName = "runtimeloader.entity"
	instanceKey    = "runtimeloader.instance"
	entityKey      = "runtimeloader.entity.self"

	// MetaEntityID is the node metadata key holding the server entity id.
	MetaEntityID = "entity.id"
)

// Behavior is an attached script instance. It runs on the scene goroutine.
type Behavior struct {
	name     string
	l        *lua.State
	ref      *entityRef
	log      zerolog.Logger
	disabled bool
}

type entityRef struct {
	node *scene.Node
}

func newBehavior(s *script, target *scene.Node, log zerolog.Logger) (*Behavior, error) {
	l := s.unit.l
	l.SetTop(0)

	// instance = setmetatable({}, {__index = candidate})
	l.NewTable()
	l.NewTable()
	l.Field(lua.RegistryIndex, candidatesKey)
	l.RawGetInt(-1, s.slot)
	l.Remove(-2)
	l.SetField(-2, "__index")
	l.SetMetaTable(-2)
	l.SetField(lua.RegistryIndex, instanceKey)

	ref := &entityRef{node: target}
	l.PushUserData(ref)
	lua.SetMetaTableNamed(l, entityTypeName)
	l.SetField(lua.RegistryIndex, entityKey)

	b := &Behavior{
		name: s.name,
		l:    l,
		ref:  ref,
		log:  log.With().Str("behavior", s.name).Logger(),
	}
	if err := b.call("start"); err != nil {
		ref.node = nil
		return nil, err
	}
	return b, nil
}

func (b *Behavior) Name() string { return b.name }

func (b *Behavior) ComponentName() string { return "behavior:" + b.name }

func (b *Behavior) Disabled() bool { return b.disabled }

// Update runs the script's update hook with dt in seconds. A hook that raises
// disables the behavior.
func (b *Behavior) Update(n *scene.Node, dt time.Duration) {
	if b.disabled {
		return
	}
	if err := b.call("update", dt.Seconds()); err != nil {
		b.disabled = true
		b.log.Error().Err(err).Msg("behavior update failed; disabled")
	}
}

func (b *Behavior) Detach(n *scene.Node) {
	if !b.disabled {
		if err := b.call("destroy"); err != nil {
			b.log.Warn().Err(err).Msg("behavior destroy hook failed")
		}
	}
	b.disabled = true
	b.ref.node = nil
}

// call invokes hook(self, entity, args...) if the instance defines it.
func (b *Behavior) call(hook string, args ...float64) error {
	l := b.l
	top := l.Top()
	defer l.SetTop(top)

	l.Field(lua.RegistryIndex, instanceKey)
	l.Field(-1, hook)
	if !l.IsFunction(-1) {
		return nil
	}
	l.PushValue(-2)
	l.Field(lua.RegistryIndex, entityKey)
	for _, a := range args {
		l.PushNumber(a)
	}
	if err := l.ProtectedCall(2+len(args), 0, 0); err != nil {
		return errors.New(hook + ": " + errorMessage(l, err))
	}
	return nil
}

func registerEntityType(l *lua.State) {
	lua.NewMetaTable(l, entityTypeName)
	l.NewTable()
	lua.SetFunctions(l, entityMethods, 0)
	l.SetField(-2, "__index")
	l.Pop(1)
}

var entityMethods = []lua.RegistryFunction{
	{Name: "id", Function: entityID},
	{Name: "name", Function: entityName},
	{Name: "position", Function: entityPosition},
	{Name: "set_position", Function: entitySetPosition},
	{Name: "translate", Function: entityTranslate},
	{Name: "euler", Function: entityEuler},
	{Name: "set_euler", Function: entitySetEuler},
	{Name: "rotate", Function: entityRotate},
	{Name: "scale", Function: entityScale},
	{Name: "set_scale", Function: entitySetScale},
}

func checkEntity(l *lua.State) *scene.Node {
	ref, _ := lua.CheckUserData(l, 1, entityTypeName).(*entityRef)
	if ref == nil || ref.node.Destroyed() {
		lua.Errorf(l, "entity is no longer in the scene")
		return nil
	}
	return ref.node
}

func checkVec3(l *lua.State, first int) scene.Vec3 {
	return scene.Vec3{
		X: lua.CheckNumber(l, first),
		Y: lua.CheckNumber(l, first+1),
		Z: lua.CheckNumber(l, first+2),
	}
}

func pushVec3(l *lua.State, v scene.Vec3) int {
	l.PushNumber(v.X)
	l.PushNumber(v.Y)
	l.PushNumber(v.Z)
	return 3
}

func entityID(l *lua.State) int {
	n := checkEntity(l)
	l.PushString(n.Meta[MetaEntityID])
	return 1
}

func entityName(l *lua.State) int {
	n := checkEntity(l)
	l.PushString(n.Name)
	return 1
}

func entityPosition(l *lua.State) int {
	return pushVec3(l, checkEntity(l).LocalPosition)
}

func entitySetPosition(l *lua.State) int {
	n := checkEntity(l)
	n.LocalPosition = checkVec3(l, 2)
	return 0
}

func entityTranslate(l *lua.State) int {
	n := checkEntity(l)
	n.LocalPosition = n.LocalPosition.Add(checkVec3(l, 2))
	return 0
}

func entityEuler(l *lua.State) int {
	return pushVec3(l, checkEntity(l).LocalRotation.Euler())
}

func entitySetEuler(l *lua.State) int {
	n := checkEntity(l)
	n.LocalRotation = scene.FromEuler(checkVec3(l, 2))
	return 0
}

func entityRotate(l *lua.State) int {
	n := checkEntity(l)
	n.Rotate(checkVec3(l, 2))
	return 0
}

func entityScale(l *lua.State) int {
	return pushVec3(l, checkEntity(l).LocalScale)
}

func entitySetScale(l *lua.State) int {
	n := checkEntity(l)
	n.LocalScale = checkVec3(l, 2)
	return 0
}
