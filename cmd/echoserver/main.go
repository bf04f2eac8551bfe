// Command echoserver is a backend for trying devproxy by hand. It answers
// every request with a JSON description of the request it received.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

// echo is the response body for every echoed request
type echo struct {
	Method  string              `json:"method"`
	URI     string              `json:"uri"`
	Host    string              `json:"host"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

func newEchoHandler() http.Handler {
	mux := http.NewServeMux()

	// Status code passthrough, e.g. /status/503
	mux.HandleFunc("/status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 200 || code > 599 {
			http.Error(w, "invalid status code", http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
		fmt.Fprintf(w, "status %d\n", code)
	})

	// Slow responses for timeout testing, e.g. /slow?ms=2000
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		writeEcho(w, r)
	})

	// Chunked streaming, e.g. /stream?chunks=5
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		chunks, err := strconv.Atoi(r.URL.Query().Get("chunks"))
		if err != nil || chunks <= 0 {
			chunks = 3
		}
		w.Header().Set("Content-Type", "text/plain")
		rc := http.NewResponseController(w)
		for i := 1; i <= chunks; i++ {
			fmt.Fprintf(w, "chunk %d\n", i)
			if err := rc.Flush(); err != nil {
				return
			}
		}
	})

	mux.HandleFunc("/", writeEcho)
	return mux
}

func writeEcho(w http.ResponseWriter, r *http.Request) {
	log.Printf("%s %s", r.Method, r.URL.RequestURI())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Echo-Server", "1")
	json.NewEncoder(w).Encode(echo{
		Method:  r.Method,
		URI:     r.RequestURI,
		Host:    r.Host,
		Headers: r.Header,
		Body:    string(body),
	})
}

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	flag.Parse()

	addr := fmt.Sprintf("localhost:%d", *port)
	fmt.Printf("🚀 Echo server starting on http://%s\n", addr)
	fmt.Printf("   - http://%s/anything     echoes the request as JSON\n", addr)
	fmt.Printf("   - http://%s/status/503   answers with the given status\n", addr)
	fmt.Printf("   - http://%s/slow?ms=2000 waits before answering\n", addr)
	fmt.Printf("   - http://%s/stream       streams flushed chunks\n", addr)
	fmt.Printf("\n🔄 Use Ctrl+C to stop the server\n")

	server := &http.Server{
		Addr:              addr,
		Handler:           newEchoHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Fatal(server.ListenAndServe())
}
