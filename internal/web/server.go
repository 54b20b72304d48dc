// Package web serves the optional browser client.
package web

import (
	"net/http"

	"github.com/spf13/afero"
)

// Server serves static files under Dir. Fs defaults to the OS filesystem.
type Server struct {
	Fs  afero.Fs
	Dir string
}

func (s *Server) Handler() http.Handler {
	fsys := s.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	files := http.FileServer(afero.NewHttpFs(afero.NewBasePathFs(fsys, s.Dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		files.ServeHTTP(w, r)
	})
}
