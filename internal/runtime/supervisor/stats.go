package supervisor

import (
	"sort"
	"time"
)

// RoutineStats aggregates the runs of one goroutine name.
type RoutineStats struct {
	Name     string    `json:"name"`
	Active   int64     `json:"active"`
	Runs     uint64    `json:"runs"`
	Restarts uint64    `json:"restarts"`
	Panics   uint64    `json:"panics"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_err,omitempty"`
}

func (r *RoutineStats) begin(now time.Time, restart bool) {
	r.Active++
	r.Runs++
	r.LastRun = now
	if restart {
		r.Restarts++
	}
}

func (r *RoutineStats) end(err error, panicked bool) {
	if r.Active > 0 {
		r.Active--
	}
	if err != nil {
		r.LastErr = err.Error()
	}
	if panicked {
		r.Panics++
	}
}

type registry map[string]*RoutineStats

func (g registry) get(name string) *RoutineStats {
	r := g[name]
	if r == nil {
		r = &RoutineStats{Name: name}
		g[name] = r
	}
	return r
}

// Snapshot feeds /statusz. Active routines sort first.
type Snapshot struct {
	Active     int64          `json:"active"`
	Runs       uint64         `json:"runs"`
	FirstError string         `json:"first_error,omitempty"`
	Routines   []RoutineStats `json:"routines"`
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	var snap Snapshot
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, r := range s.reg {
		snap.Active += r.Active
		snap.Runs += r.Runs
		snap.Routines = append(snap.Routines, *r)
	}
	s.mu.Unlock()

	sort.Slice(snap.Routines, func(i, j int) bool {
		a, b := snap.Routines[i], snap.Routines[j]
		if (a.Active > 0) != (b.Active > 0) {
			return a.Active > 0
		}
		return a.Name < b.Name
	})
	return snap
}
