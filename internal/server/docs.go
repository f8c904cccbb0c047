package server

import (
	"path"
	"reflect"

	"github.com/danielgtaylor/huma/v2"
)

const bearerScheme = "bearer"

// publicOperations are served without credentials.
var publicOperations = map[string]bool{"health": true}

// describeAPI points huma at the spec and docs routes and annotates every operation as it is
// registered: bearer auth unless public, and the error envelope as the default response.
func describeAPI(hcfg *huma.Config, basePath string) {
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = "/docs"

	oas := hcfg.OpenAPI
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes[bearerScheme] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
		Description:  "HS256 token from `pl auth token`; admin operations need the admin role claim.",
	}
	oas.Security = []map[string][]string{{bearerScheme: {}}}
	oas.OnAddOperation = append(oas.OnAddOperation, annotateOperation)
}

func annotateOperation(oas *huma.OpenAPI, op *huma.Operation) {
	if publicOperations[op.OperationID] {
		// one empty requirement: no credentials needed
		op.Security = []map[string][]string{{}}
	} else {
		op.Security = []map[string][]string{{bearerScheme: {}}}
	}
	if op.Responses == nil {
		op.Responses = map[string]*huma.Response{}
	}
	if _, ok := op.Responses["default"]; ok {
		return
	}
	var schema *huma.Schema
	if oas.Components.Schemas != nil {
		schema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ErrorEnvelope")
	}
	op.Responses["default"] = &huma.Response{
		Description: "Error envelope",
		Content:     map[string]*huma.MediaType{"application/json": {Schema: schema}},
	}
}
