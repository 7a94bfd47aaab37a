// Package docs registers the admin HTTP API's swagger spec, in the shape
// `swag init` emits: a template plus a swag.Spec registered under the
// default instance name so httpSwagger.Handler can serve it.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {
                "tags": ["ops"],
                "summary": "Liveness probe",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/servers": {
            "get": {
                "tags": ["servers"],
                "summary": "List known servers",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "tags": ["servers"],
                "summary": "Request a connection",
                "responses": {"202": {"description": "Accepted"}}
            }
        },
        "/servers/{host}/{port}": {
            "delete": {
                "tags": ["servers"],
                "summary": "Request a disconnection",
                "responses": {"202": {"description": "Accepted"}}
            }
        },
        "/warnings": {
            "get": {
                "tags": ["warnings"],
                "summary": "List operator warnings",
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`

// SwaggerInfo holds the admin API's exported swagger spec metadata.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Workspace Runtime Admin API",
	Description:      "Operator-facing admin API for the workspace communication subsystem.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
