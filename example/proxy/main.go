package main

import (
	"log"
	"net/http"
	"os"

	"github.com/mnehpets/sedate/endpoint"
)

func main() {
	target := os.Getenv("UPSTREAM_URL")
	if target == "" {
		target = "http://localhost:9090/api"
	}

	upstream, err := endpoint.NewUpstream(target)
	if err != nil {
		log.Fatal(err)
	}

	// Requests to /api/... are forwarded to the upstream with the /api prefix
	// stripped, so /api/users becomes {target}/users.
	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", endpoint.Handler(endpoint.Proxy(upstream, func(err error) error { return err }))))

	log.Printf("Proxying /api/ to %s", target)
	log.Println("Listening on :8080")
	if err := http.ListenAndServe(":8080", mux); err != nil {
		log.Fatal(err)
	}
}
