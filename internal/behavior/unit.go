package behavior

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/Shopify/go-lua"
	"github.com/rs/zerolog"

	"runtimeloader.dev/internal/scene"
)

const (
	chunkName     = "=behavior"
	candidatesKey = "runtimeloader.candidates"
)

type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Diagnostic is one compiler message. Line is 0 when the message carries no
// position.
type Diagnostic struct {
	Line     int
	Message  string
	Severity Severity
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return d.Severity.String() + ": line " + strconv.Itoa(d.Line) + ": " + d.Message
	}
	return d.Severity.String() + ": " + d.Message
}

// Candidate is one value exported by a compiled unit.
type Candidate interface {
	Name() string
}

// Attachable is a candidate that can become a component on a scene node.
type Attachable interface {
	Candidate
	Instantiate(target *scene.Node, log zerolog.Logger) (*Behavior, error)
}

// Unit is a compiled behavior chunk: its VM and the values its top level
// returned. A Unit moves from the compiling worker to the scene goroutine and
// is never used by both at once.
type Unit struct {
	l          *lua.State
	candidates []Candidate
}

func (u *Unit) Candidates() []Candidate { return u.candidates }

// FirstAttachable returns the first candidate that implements Attachable.
func (u *Unit) FirstAttachable() (Attachable, bool) {
	for _, c := range u.candidates {
		if a, ok := c.(Attachable); ok {
			return a, true
		}
	}
	return nil, false
}

// plain is a returned value without lifecycle hooks.
type plain struct{ name string }

func (p plain) Name() string { return p.name }

// script is a returned table with an update or start function.
type script struct {
	unit *Unit
	slot int
	name string
}

func (s *script) Name() string { return s.name }

func (s *script) Instantiate(target *scene.Node, log zerolog.Logger) (*Behavior, error) {
	if target.Destroyed() {
		return nil, ErrTargetGone
	}
	return newBehavior(s, target, log)
}

// compile loads source into a fresh VM and runs its top level. It returns the
// unit or the diagnostics that stopped it.
func compile(source string, log zerolog.Logger) (*Unit, []Diagnostic) {
	l := lua.NewState()
	lua.OpenLibraries(l)
	registerEntityType(l)
	registerLog(l, log)

	if err := lua.LoadBuffer(l, source, chunkName, "t"); err != nil {
		return nil, []Diagnostic{diagnose(errorMessage(l, err))}
	}
	if err := l.ProtectedCall(0, lua.MultipleReturns, 0); err != nil {
		return nil, []Diagnostic{diagnose(errorMessage(l, err))}
	}
	u := &Unit{l: l}
	u.candidates = collect(u, l.Top())
	return u, nil
}

// collect moves the n values on the stack into the registry candidate table.
// A returned array of tables contributes its elements.
func collect(u *Unit, n int) []Candidate {
	l := u.l
	l.NewTable()
	ct := l.Top()
	var out []Candidate
	add := func() {
		slot := len(out) + 1
		out = append(out, classify(u, l.AbsIndex(-1), slot))
		l.RawSetInt(ct, slot)
	}
	for i := 1; i <= n; i++ {
		if l.TypeOf(i) == lua.TypeTable && !hasHooks(l, i) && l.RawLength(i) > 0 {
			for k := 1; k <= l.RawLength(i); k++ {
				l.RawGetInt(i, k)
				add()
			}
			continue
		}
		l.PushValue(i)
		add()
	}
	l.SetField(lua.RegistryIndex, candidatesKey)
	l.SetTop(0)
	return out
}

func classify(u *Unit, idx, slot int) Candidate {
	l := u.l
	name := "Behavior" + strconv.Itoa(slot)
	if l.TypeOf(idx) != lua.TypeTable {
		return plain{name: name}
	}
	l.PushString("name")
	l.RawGet(idx)
	if s, ok := l.ToString(-1); ok && l.TypeOf(-1) == lua.TypeString && s != "" {
		name = s
	}
	l.Pop(1)
	if !hasHooks(l, idx) {
		return plain{name: name}
	}
	return &script{unit: u, slot: slot, name: name}
}

func hasHooks(l *lua.State, idx int) bool {
	return rawFunc(l, idx, "update") || rawFunc(l, idx, "start")
}

func rawFunc(l *lua.State, idx int, field string) bool {
	idx = l.AbsIndex(idx)
	l.PushString(field)
	l.RawGet(idx)
	ok := l.IsFunction(-1)
	l.Pop(1)
	return ok
}

func registerLog(l *lua.State, log zerolog.Logger) {
	l.PushGoFunction(func(l *lua.State) int {
		log.Info().Str("source", "behavior").Msg(lua.CheckString(l, 1))
		return 0
	})
	l.SetGlobal("log")
}

// errorMessage reads the error value a failed load or call left on the stack.
func errorMessage(l *lua.State, err error) string {
	if l.Top() > 0 {
		if s, ok := l.ToString(-1); ok {
			l.Pop(1)
			return s
		}
		l.Pop(1)
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

var positioned = regexp.MustCompile(`^behavior:(\d+): (.*)$`)

func diagnose(msg string) Diagnostic {
	msg = strings.TrimSpace(msg)
	if m := positioned.FindStringSubmatch(msg); m != nil {
		line, _ := strconv.Atoi(m[1])
		return Diagnostic{Line: line, Message: m[2], Severity: SeverityError}
	}
	return Diagnostic{Message: msg, Severity: SeverityError}
}

func diagnosticsError(diags []Diagnostic) error {
	parts := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Severity != SeverityError {
			continue
		}
		if d.Line > 0 {
			parts = append(parts, "line "+strconv.Itoa(d.Line)+": "+d.Message)
		} else {
			parts = append(parts, d.Message)
		}
	}
	return errors.New("behavior: compile failed: " + strings.Join(parts, "; "))
}
