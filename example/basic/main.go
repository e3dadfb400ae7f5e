package main

import (
	"log"
	"net/http"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/middleware"
)

// Hello answers every request with a plain text greeting.
var Hello endpoint.Chain[error] = middleware.Then(
	middleware.Status[error](conn.StatusOK),
	middleware.Then(
		middleware.ContentType[error](conn.MediaTextPlain),
		middleware.Then(middleware.CloseHeaders[error](), middleware.Send[error]("Hello, World!")),
	),
)

// Greet reads the {name} path parameter and falls back to 400 without one.
func Greet() endpoint.Chain[error] {
	name := middleware.DecodeParam("name", middleware.String(func(v any) error {
		return endpoint.Error(http.StatusBadRequest, "name must be a string", nil)
	}))
	return middleware.Bind(name, func(n string) endpoint.Chain[error] {
		return middleware.Then(
			middleware.Status[error](conn.StatusOK),
			middleware.Then(
				middleware.SecurityHeaders[error](middleware.NewSecurityPolicy()),
				middleware.Then(
					middleware.ContentType[error](conn.MediaTextPlain),
					middleware.Then(middleware.CloseHeaders[error](), middleware.Send[error]("Hello, "+n+"!")),
				),
			),
		)
	})
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hello/{name}", endpoint.HandleFunc(Greet(), endpoint.WithPathParams("name")))
	mux.HandleFunc("/", endpoint.HandleFunc(Hello))

	log.Println("Listening on :8080")
	if err := http.ListenAndServe(":8080", mux); err != nil {
		log.Fatal(err)
	}
}
