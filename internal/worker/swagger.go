package worker

import (
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"

	// Registers the generated OpenAPI spec with the swag runtime.
	_ "github.com/thebtf/taxon/docs"
)

// swaggerHandler serves the interactive API documentation and its spec.
func swaggerHandler() http.HandlerFunc {
	return httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	)
}
