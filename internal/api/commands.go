package api

import "net/http"

// commandSpec describes one entry in the command catalog response.
type commandSpec struct {
	Type      string         `json:"type"`
	Summary   string         `json:"summary"`
	Streaming bool           `json:"streaming,omitempty"`
	Fields    []commandField `json:"fields,omitempty"`
}

type commandField struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Required bool     `json:"required,omitempty"`
	Enum     []string `json:"enum,omitempty"`
}

func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	reg := s.engine.Commands()
	types := reg.Types()

	specs := make([]commandSpec, 0, len(types))
	for _, t := range types {
		spec, ok := reg.Get(t)
		if !ok {
			continue
		}
		cs := commandSpec{Type: spec.Type, Summary: spec.Summary, Streaming: spec.Streaming}
		for _, f := range spec.Fields {
			cs.Fields = append(cs.Fields, commandField{
				Name:     f.Name,
				Kind:     string(f.Kind),
				Required: f.Required,
				Enum:     f.Enum,
			})
		}
		specs = append(specs, cs)
	}

	s.writeJSON(w, http.StatusOK, specs)
}
