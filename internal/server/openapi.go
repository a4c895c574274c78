package server

import (
	"strings"

	"github.com/coreplane/coreplane/internal/version"
	"github.com/coreplane/coreplane/pkg/plugin"
)

// Aggregated OpenAPI 3 document for every plugin contract. Operations
// carry an x-orpc-meta extension so generated clients know the caller
// type and access rules each procedure demands.

type openAPIDoc struct {
	OpenAPI string                          `json:"openapi"`
	Info    openAPIInfo                     `json:"info"`
	Paths   map[string]map[string]operation `json:"paths"`
}

type openAPIInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

type operation struct {
	OperationID string                  `json:"operationId"`
	Summary     string                  `json:"summary,omitempty"`
	Tags        []string                `json:"tags,omitempty"`
	Responses   map[string]responseSpec `json:"responses"`
	Meta        orpcMeta                `json:"x-orpc-meta"`
}

type responseSpec struct {
	Description string `json:"description"`
}

type orpcMeta struct {
	UserType    string   `json:"userType,omitempty"`
	AccessRules []string `json:"accessRules,omitempty"`
}

func (s *Server) buildOpenAPI() openAPIDoc {
	doc := openAPIDoc{
		OpenAPI: "3.0.3",
		Info: openAPIInfo{
			Title:   "Coreplane API",
			Version: version.Short(),
		},
		Paths: make(map[string]map[string]operation),
	}

	for _, info := range s.host.Plugins() {
		router, ok := s.host.RouterFor(info.Name)
		if !ok {
			continue
		}
		for _, proc := range router.Procedures {
			path := "/api/" + info.Name + "/" + proc.Name
			method := strings.ToLower(procedureMethod(proc))

			if doc.Paths[path] == nil {
				doc.Paths[path] = make(map[string]operation)
			}
			doc.Paths[path][method] = operation{
				OperationID: info.Name + "." + proc.Name,
				Summary:     proc.Summary,
				Tags:        []string{info.Name},
				Responses: map[string]responseSpec{
					"200": {Description: "Success"},
				},
				Meta: orpcMeta{
					UserType:    string(proc.UserType),
					AccessRules: qualifiedRules(info.Name, proc.AccessRules),
				},
			}
		}
	}
	return doc
}

// qualifiedRules renders local rule ids in their namespaced form so the
// document matches what the access registry stores.
func qualifiedRules(pluginID string, rules []string) []string {
	if len(rules) == 0 {
		return nil
	}
	out := make([]string, len(rules))
	for i, r := range rules {
		if strings.Contains(r, ".") || r == plugin.WildcardRule {
			out[i] = r
			continue
		}
		out[i] = pluginID + "." + r
	}
	return out
}
