package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	tggl "github.com/tggl-io/tggl-go-client"
)

type settings struct {
	APIKey          string        `env:"TGGL_API_KEY,required"`
	BaseURL         string        `env:"TGGL_BASE_URL" envDefault:"https://api.tggl.io"`
	PollingInterval time.Duration `env:"TGGL_POLLING_INTERVAL" envDefault:"5s"`
	Addr            string        `env:"ADDR" envDefault:":5000"`
}

func main() {
	_ = godotenv.Load()
	var cfg settings
	if err := env.Parse(&cfg); err != nil {
		log.Fatal(err)
	}

	client := tggl.NewClient(cfg.APIKey,
		tggl.WithBaseURL(cfg.BaseURL),
		tggl.WithPollingInterval(cfg.PollingInterval),
		tggl.WithAppName("example-server"),
	)
	defer client.Close()

	client.OnConfigChange(func(changed []string) {
		slog.Info("flag configuration changed", "slugs", changed)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		log.Fatal(err)
	}

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		evalContext := tggl.Context{
			"userId": r.URL.Query().Get("userId"),
			"plan":   r.URL.Query().Get("plan"),
		}
		flags := client.GetAll(evalContext)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(flags)
	})

	fmt.Printf("Listening on %s\n", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		log.Fatal(err)
	}
}
