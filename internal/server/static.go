package server

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	pathIndex    = "/"
	pathNoScript = "/noscript"
	pathVersion  = "/version"
	pathHelp     = "/help"
	pathFavicon  = "/favicon.ico"
	pathRobots   = "/robots.txt"
)

var reservedPaths = map[string]bool{
	pathIndex:    true,
	pathNoScript: true,
	pathVersion:  true,
	pathHelp:     true,
	pathFavicon:  true,
	pathRobots:   true,
}

func isReserved(path string) bool {
	return reservedPaths[path]
}

func (s *Server) handleReserved(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodPost, http.MethodPut:
		sendError(w, http.StatusBadRequest,
			fmt.Sprintf("Cannot send to the reserved path '%s'. (e.g. '/mypath123')", r.URL.Path))
		return
	default:
		sendError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Unsupported method: %s.", r.Method))
		return
	}

	switch r.URL.Path {
	case pathIndex, pathNoScript:
		writeText(w, http.StatusOK, s.index())
	case pathHelp:
		writeText(w, http.StatusOK, s.help(baseURL(r)))
	case pathVersion:
		writeText(w, http.StatusOK, s.opts.Version+"\n")
	case pathFavicon:
		w.WriteHeader(http.StatusNoContent)
	case pathRobots:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Disposition, "+headerPiping)
	h.Set("Access-Control-Max-Age", "86400")
	if r.Header.Get("Access-Control-Request-Private-Network") == "true" {
		h.Set("Access-Control-Allow-Private-Network", "true")
	}
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) index() string {
	return fmt.Sprintf("pipingd %s\n\nStream data between hosts through a shared path. See /help.\n", s.opts.Version)
}

func (s *Server) help(base string) string {
	param := s.opts.CountParam
	var b strings.Builder
	fmt.Fprintf(&b, "Help for pipingd %s\n\n", s.opts.Version)
	b.WriteString("======= Get =======\n")
	fmt.Fprintf(&b, "curl %s/mypath\n\n", base)
	b.WriteString("======= Send =======\n")
	b.WriteString("# Send a file\n")
	fmt.Fprintf(&b, "curl -T myfile %s/mypath\n\n", base)
	b.WriteString("# Send a text\n")
	fmt.Fprintf(&b, "echo 'hello!' | curl -T - %s/mypath\n\n", base)
	b.WriteString("# Send a directory (zip)\n")
	fmt.Fprintf(&b, "zip -q -r - ./mydir | curl -T - %s/mypath\n\n", base)
	b.WriteString("# Send to 3 receivers\n")
	fmt.Fprintf(&b, "curl -T myfile '%s/mypath?%s=3'\n", base, param)
	fmt.Fprintf(&b, "# every receiver: curl '%s/mypath?%s=3'\n", base, param)
	return b.String()
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeText(w, code, "[ERROR] "+message+"\n")
}
