package observe

import (
	"net/http"
	"slices"
	"strings"

	"github.com/justinas/alice"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux instruments every route it registers: the handler runs behind the
// shared middleware chain and inside an otelhttp span named for the route.
type Mux struct {
	wrapped Multiplexer
	chain   alice.Chain
}

func NewMux(wrapped Multiplexer, middleware ...alice.Constructor) *Mux {
	return &Mux{
		wrapped: wrapped,
		chain:   alice.New(middleware...),
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	mux.wrapped.Handle(pattern, otelhttp.NewHandler(
		mux.chain.Then(handler),
		RouteName(pattern),
	))
}

func (mux *Mux) HandleFunc(pattern string, handler http.HandlerFunc) {
	mux.Handle(pattern, handler)
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.wrapped.ServeHTTP(w, r)
}

var methods = []string{
	http.MethodConnect,
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
	http.MethodTrace,
}

// RouteName strips the method from a ServeMux pattern, leaving the path used
// as the span name. Patterns without a recognised method are returned as-is.
func RouteName(pattern string) string {
	method, route, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && slices.Contains(methods, method) {
		return route
	}
	return pattern
}
