package main

import (
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/fastendpoint"
	"github.com/mnehpets/sedate/metrics"
	"github.com/mnehpets/sedate/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Item is the JSON body of GET /items/{id}.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func jsonErr(err error) error {
	return endpoint.Error(fasthttp.StatusInternalServerError, "encode failed", err)
}

// GetItem echoes the {id} path parameter as a JSON item.
func GetItem() endpoint.Chain[error] {
	id := middleware.DecodeParam("id", middleware.String(func(any) error {
		return endpoint.Error(fasthttp.StatusBadRequest, "missing id", nil)
	}))
	return middleware.Bind(id, func(id string) endpoint.Chain[error] {
		return middleware.Then(
			middleware.Status[error](conn.StatusOK),
			middleware.Then(
				middleware.SecurityHeaders[error](middleware.NewAPISecurityPolicy()),
				middleware.JSON[error](Item{ID: id, Name: "widget " + id}, jsonErr),
			),
		)
	})
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := prometheus.NewRegistry()
	opts := []endpoint.Option{
		endpoint.WithLogger(logger),
		endpoint.WithMetrics(metrics.New(reg)),
	}

	items := fastendpoint.HandlerFunc(GetItem(), append(opts, endpoint.WithPathParams("id"))...)
	notFound := fastendpoint.HandlerFunc(middleware.Then(
		middleware.Status[error](conn.StatusNotFound),
		middleware.Then(middleware.CloseHeaders[error](), middleware.Send[error]("not found\n")),
	), opts...)
	promHandler := fasthttpadaptor.NewFastHTTPHandler(metrics.Handler(reg))

	handler := func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		switch {
		case path == "/metrics":
			promHandler(ctx)
		case strings.HasPrefix(path, "/items/") && ctx.IsGet():
			ctx.SetUserValue("id", strings.TrimPrefix(path, "/items/"))
			items(ctx)
		default:
			notFound(ctx)
		}
	}

	log.Println("Listening on :8080")
	if err := fasthttp.ListenAndServe(":8080", handler); err != nil {
		log.Fatal(err)
	}
}
