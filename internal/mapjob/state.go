package mapjob

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// StateFile is the render state file name inside the map output directory.
const StateFile = ".render-state.json"

// AgendaState is the last render result of one agenda.
type AgendaState struct {
	Path    string         `json:"path,omitempty"`
	Markers int            `json:"markers"`
	Dropped map[string]int `json:"dropped,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// State is the outcome of the last completed render pass.
type State struct {
	PID        int                    `json:"pid"`
	RenderedAt time.Time              `json:"rendered_at"`
	Agendas    map[string]AgendaState `json:"agendas"`
}

// NewState summarizes a render pass.
func NewState(sum Summary, now time.Time) *State {
	st := &State{PID: os.Getpid(), RenderedAt: now, Agendas: map[string]AgendaState{}}
	for _, o := range sum.Rendered {
		st.Agendas[o.AgendaID] = AgendaState{Path: o.Path, Markers: o.Markers, Dropped: o.Dropped}
	}
	for id, err := range sum.Failed {
		st.Agendas[id] = AgendaState{Error: err.Error()}
	}
	return st
}

// Failed lists the agendas whose last render failed, sorted.
func (s *State) Failed() []string {
	var out []string
	for id, a := range s.Agendas {
		if a.Error != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// StatePath returns the state file location in dir.
func StatePath(dir string) string {
	return filepath.Join(dir, StateFile)
}

// SaveState writes the render state to dir.
func SaveState(dir string, state *State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(StatePath(dir), data)
}

// LoadState reads the render state from dir.
func LoadState(dir string) (*State, error) {
	data, err := os.ReadFile(StatePath(dir))
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
