package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const readyLine = "all slots are idle and system prompt is empty, clear the KV cache"

func main() {
	var (
		model, host, port          string
		threads, ctxSize, ngl, bat int
		grpN, grpW                 int
		noBrowser                  bool
		exitCode                   int
		delay                      time.Duration
		silent, failLoad           bool
	)
	// Accept the llama.cpp server flags the supervisor passes
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.IntVar(&threads, "t", 0, "threads")
	flag.IntVar(&ctxSize, "c", 0, "context size")
	flag.IntVar(&ngl, "ngl", 0, "gpu layers")
	flag.IntVar(&bat, "b", 0, "batch size")
	flag.IntVar(&grpN, "grp-attn-n", 1, "group attention n")
	flag.IntVar(&grpW, "grp-attn-w", 512, "group attention w")
	flag.BoolVar(&noBrowser, "nobrowser", false, "llamafile flag")
	// Test controls
	flag.IntVar(&exitCode, "exit", -1, "exit immediately with this code")
	flag.DurationVar(&delay, "delay", 0, "wait before reporting ready")
	flag.BoolVar(&silent, "silent", false, "never report ready")
	flag.BoolVar(&failLoad, "fail", false, "report a model load failure")
	flag.Parse()

	fmt.Printf("loading model %s threads=%d ctx=%d ngl=%d\n", model, threads, ctxSize, ngl)
	if exitCode >= 0 {
		fmt.Println("error: exiting on request")
		os.Exit(exitCode)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	ready := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ready:
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"content": " hello", "tokens_predicted": 1})
	})
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()
	fmt.Printf("listening on %s\n", ln.Addr())

	if failLoad {
		fmt.Println("error loading model: failed to load model")
	} else if !silent {
		time.Sleep(delay)
		close(ready)
		fmt.Println(readyLine)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
