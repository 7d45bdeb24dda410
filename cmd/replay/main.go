package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"runtimeloader.dev/internal/entity"
	"runtimeloader.dev/internal/logging"
	"runtimeloader.dev/internal/persistence/journal"
	"runtimeloader.dev/internal/protocol"
	"runtimeloader.dev/internal/protocol/dispatch"
	"runtimeloader.dev/internal/scene"
)

func main() {
	fs := pflag.NewFlagSet("replay", pflag.ExitOnError)
	var (
		dir      = fs.String("journal", "", "journal directory containing frames-*.jsonl.zst")
		rebuild  = fs.Bool("rebuild", false, "re-dispatch inbound frames and report the resulting entity registry")
		strict   = fs.Bool("strict", false, "validate inbound frames against the embedded schemas")
		logLevel = fs.String("log-level", "warn", "log level for re-dispatch")
	)
	_ = fs.Parse(os.Args[1:])

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "missing --journal")
		os.Exit(2)
	}
	files, err := journal.ListFiles(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *dir)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: *logLevel}, "replay")
	var r *rebuilder
	if *rebuild {
		r, err = newRebuilder(logger, *strict)
		if err != nil {
			fmt.Fprintln(os.Stderr, "schemas:", err)
			os.Exit(1)
		}
	}

	sum := newSummary()
	err = journal.ReadAll(*dir, func(e journal.Entry) error {
		sum.add(e)
		if r != nil && e.Dir == dispatch.DirIn {
			r.disp.OnReceive(e.Bytes())
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}

	sum.print(os.Stdout)
	if r != nil {
		r.print(os.Stdout)
	}
}

type summary struct {
	counts map[string]map[string]int
	total  int
	first  string
	last   string
}

func newSummary() *summary {
	return &summary{counts: map[string]map[string]int{}}
}

func (s *summary) add(e journal.Entry) {
	m := s.counts[e.Dir]
	if m == nil {
		m = map[string]int{}
		s.counts[e.Dir] = m
	}
	m[e.Type]++
	s.total++
	ts := e.Time.UTC().Format("2006-01-02T15:04:05.000Z")
	if s.first == "" {
		s.first = ts
	}
	s.last = ts
}

func (s *summary) print(w *os.File) {
	fmt.Fprintf(w, "frames=%d first=%s last=%s\n", s.total, s.first, s.last)
	dirs := make([]string, 0, len(s.counts))
	for d := range s.counts {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		types := make([]string, 0, len(s.counts[d]))
		for t := range s.counts[d] {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(w, "  %-3s %-22s %d\n", d, t, s.counts[d][t])
		}
	}
}

// rebuilder replays entity lifecycle frames into a registry without loading
// assets or compiling behaviors.
type rebuilder struct {
	disp *dispatch.Dispatcher
	reg  *entity.Registry
}

func newRebuilder(log zerolog.Logger, strict bool) (*rebuilder, error) {
	opts := dispatch.Options{}
	if strict {
		schemas, err := protocol.LoadSchemas()
		if err != nil {
			return nil, err
		}
		opts.Schemas = schemas
	}
	r := &rebuilder{
		disp: dispatch.New(nil, log, opts),
		reg:  entity.New("replay", log),
	}
	create := func(prefix string) func(protocol.EntityData) error {
		return func(e protocol.EntityData) error {
			n := scene.NewNode(prefix + "_" + e.ID)
			if r.reg.Register(e.ID, n) {
				entity.ApplyPose(n, e.Pose)
			}
			return nil
		}
	}
	dispatch.On(r.disp, protocol.TypeCreateEntityProgObj, func(d protocol.CreateProgObjData) error {
		name := d.ID
		if d.GLTF != nil && d.GLTF.Name != "" {
			name = d.GLTF.Name
		}
		n := scene.NewNode(scene.NodeName(scene.Asset{Name: name}))
		if r.reg.Register(d.ID, n) {
			entity.ApplyPose(n, d.Pose)
		}
		return nil
	})
	dispatch.On(r.disp, protocol.TypeCreateEntityGeomObj, create("GeomObj"))
	dispatch.On(r.disp, protocol.TypeCreateEntityAnchor, create("Anchor"))
	dispatch.On(r.disp, protocol.TypeUpdateEntity, func(e protocol.EntityData) error {
		if h, ok := r.reg.Get(e.ID); ok {
			entity.ApplyPose(h, e.Pose)
		}
		return nil
	})
	dispatch.On(r.disp, protocol.TypeDelEntity, func(e protocol.DeleteEntityData) error {
		r.reg.Delete(e.ID)
		return nil
	})
	dispatch.On(r.disp, protocol.TypeClaimEntity, func(e protocol.EntityControlData) error {
		_, _ = r.reg.MarkClaimed(e.ID, e.ClientID)
		return nil
	})
	dispatch.On(r.disp, protocol.TypeReleaseEntity, func(e protocol.EntityControlData) error {
		_, _ = r.reg.MarkReleased(e.ID)
		return nil
	})
	return r, nil
}

func (r *rebuilder) print(w *os.File) {
	st := r.disp.Stats()
	fmt.Fprintf(w, "dispatched=%d dropped=%d handler_errors=%d entities=%d\n",
		st.Dispatched, st.Dropped, st.HandlerErrors, r.reg.Len())
	for _, id := range r.reg.IDs() {
		h, _ := r.reg.Get(id)
		p := entity.PoseOf(h)
		owner := "-"
		if cl, err := r.reg.ClaimState(id); err == nil && cl.Claimed() {
			owner = cl.Owner
		}
		fmt.Fprintf(w, "  %s %s pos=(%.3f,%.3f,%.3f) rot=(%.1f,%.1f,%.1f) owner=%s\n",
			id, h.Name, p.Position.X, p.Position.Y, p.Position.Z,
			p.Rotation.X, p.Rotation.Y, p.Rotation.Z, owner)
	}
}
