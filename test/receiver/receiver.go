// The receiver plays the commissioning endpoint for harness runs. It accepts
// document envelopes and independently checks that the observed inbound rate
// stays within the (window, limit) pair the client was configured with.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Adis-cmd/CrptApi/test/stats"

	"github.com/RussellLuo/slidingwindow"
)

type envelope struct {
	Document  json.RawMessage `json:"document"`
	Signature string          `json:"signature"`
}

func makeHandler(lim *slidingwindow.Limiter, s *stats.Stats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "only POST is accepted", http.StatusMethodNotAllowed)
			return
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			http.Error(w, "expected application/json", http.StatusUnsupportedMediaType)
			return
		}

		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
			return
		}
		if len(env.Document) == 0 || string(env.Document) == "null" {
			http.Error(w, "envelope is missing the document", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(env.Signature) == "" {
			http.Error(w, "envelope is missing the signature", http.StatusBadRequest)
			return
		}

		// A well-behaved client never trips this: its own limiter delays
		// submissions instead.
		if !lim.Allow() {
			s.IncViolation()
			log.Printf("quota violation: document arrived above the agreed rate")
		}
		s.Inc()

		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprintln(w, `{"value":"accepted"}`); err != nil {
			log.Printf("error writing response: %v", err)
		}
	}
}

func main() {
	port := flag.Int("port", 8877, "port to listen on")
	path := flag.String("path", "/api/v3/lk/documents/create", "endpoint path")
	windowMs := flag.Int("window", 1000, "agreed rate-limit window in milliseconds")
	limit := flag.Int("limit", 3, "agreed request limit per window")
	profiler := flag.String("profiler", "", "Where should the profiler listen to?")

	flag.Parse()

	if *limit <= 0 {
		log.Fatal("limit must be positive")
	}

	if *profiler != "" {
		go func() {
			log.Println(http.ListenAndServe(*profiler, nil))
		}()
	}

	// The checker gets one extra slot of slack: its window is bucketed, not
	// exact, and the client is entitled to a full burst right on the window
	// boundary.
	lim, stopLim := slidingwindow.NewLimiter(
		time.Duration(*windowMs)*time.Millisecond,
		int64(*limit+1),
		func() (slidingwindow.Window, slidingwindow.StopFunc) {
			return slidingwindow.NewLocalWindow()
		})
	defer stopLim()

	s := stats.NewStats(10*time.Second, 30*time.Second, "receiver", func() {})

	mux := http.NewServeMux()
	mux.HandleFunc(*path, makeHandler(lim, s))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	go func() {
		sgn := make(chan os.Signal, 1)
		signal.Notify(sgn, os.Interrupt, syscall.SIGTERM)
		<-sgn

		s.Report(true)
		if err := srv.Close(); err != nil {
			log.Printf("error closing the server: %v", err)
		}
	}()

	log.Printf("listening on :%d%s (limit %d per %dms)", *port, *path, *limit, *windowMs)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("receiver failed: %v", err)
	}
}
