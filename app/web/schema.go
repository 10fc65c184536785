package web

import (
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/invopop/jsonschema"

	"github.com/rxlab/medq/app/analyzer"
)

// handleSchema returns the JSON schema of the submission payload so clients
// can validate before posting
func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	reflector := jsonschema.Reflector{ExpandedStruct: true, DoNotReference: false}
	schema := reflector.Reflect(&analyzer.Request{})
	if schema == nil {
		log.Printf("[WARN] can't generate request schema")
		s.writeJSONError(w, http.StatusInternalServerError, "can't generate schema")
		return
	}
	s.writeJSON(w, http.StatusOK, schema)
}
