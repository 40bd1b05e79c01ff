package api

import (
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/mux"
)

// Route is one registered method/path pair.
type Route struct {
	Methods string
	Path    string
}

// Routes walks the router and returns every route with a path template.
func Routes(r *mux.Router) ([]Route, error) {
	var out []Route
	err := r.Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return nil // Skip routes without templates
		}
		methods, err := route.GetMethods()
		if err != nil || len(methods) == 0 {
			// Subrouter prefixes carry no methods and no handler.
			if route.GetHandler() == nil {
				return nil
			}
			methods = []string{"ANY"}
		}
		out = append(out, Route{Methods: strings.Join(methods, ","), Path: pathTemplate})
		return nil
	})
	return out, err
}

// PrintRoutes writes a table of every registered route to w
func PrintRoutes(w io.Writer, r *mux.Router) error {
	routes, err := Routes(r)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "=== Registered Routes ===")
	fmt.Fprintln(w, "METHOD\tPATH")
	fmt.Fprintln(w, "-------------------------------")
	for _, rt := range routes {
		fmt.Fprintf(w, "%s\t%s\n", rt.Methods, rt.Path)
	}
	fmt.Fprintln(w, "==============================")
	return nil
}
