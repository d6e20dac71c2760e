// Package main provides a demo telemetry generator that posts host and
// network sensor events to a running threatlens server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/pipeline"
	"github.com/lvonguyen/threatlens/internal/telemetry"
)

func main() {
	target := flag.String("target", "http://127.0.0.1:8080", "threatlens base URL")
	interval := flag.Duration("interval", time.Second, "Delay between rounds")
	count := flag.Int("count", 0, "Number of rounds (0 runs until interrupted)")
	seed := flag.Int64("seed", 0, "Random seed (0 seeds from the clock)")
	flag.Parse()

	logger, err := observability.NewLogger(observability.Config{
		ServiceName: "threatlens-simulator",
		LogLevel:    "info",
		LogFormat:   "console",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	gen := newGenerator(rand.New(rand.NewSource(*seed)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 10 * time.Second}
	url := strings.TrimSuffix(*target, "/") + "/api/v1/ingest"
	logger.Info("Starting simulator", zap.String("target", url), zap.Int64("seed", *seed))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for round := 0; *count == 0 || round < *count; round++ {
		now := time.Now()
		for _, sub := range []pipeline.Submission{gen.hostEvent(now), gen.networkEvent(now)} {
			if err := send(ctx, client, url, sub, logger); err != nil {
				logger.Warn("Send failed", zap.String("source", sub.Source), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("Simulator stopped")
			return
		case <-ticker.C:
		}
	}
}

type ingestResult struct {
	ID           int64   `json:"id"`
	AnomalyScore float64 `json:"anomaly_score"`
	IsAnomaly    bool    `json:"is_anomaly"`
	Mitigation   string  `json:"mitigation_suggestion"`
}

func send(ctx context.Context, client *http.Client, url string, sub pipeline.Submission, logger *zap.Logger) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var res ingestResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	logger.Info("Event sent",
		zap.String("source", sub.Source),
		zap.String("event_type", sub.EventType),
		zap.Int64("id", res.ID),
		zap.Float64("anomaly_score", res.AnomalyScore),
		zap.Bool("anomaly", res.IsAnomaly),
		zap.String("mitigation", res.Mitigation),
	)
	return nil
}

// generator builds sensor-shaped payloads. Four events in five carry a zero
// anomaly factor; the rest a factor in [0.5, 1.0).
type generator struct {
	rnd *rand.Rand
}

func newGenerator(rnd *rand.Rand) *generator {
	return &generator{rnd: rnd}
}

func (g *generator) factor() float64 {
	if g.rnd.Float64() < 0.8 {
		return 0
	}
	return 0.5 + g.rnd.Float64()*0.5
}

func (g *generator) hostEvent(now time.Time) pipeline.Submission {
	return pipeline.Submission{
		Source:    telemetry.SourceHostSensor,
		Timestamp: now.Format("2006-01-02T15:04:05.000000"),
		EventType: "process_create",
		Data: fmt.Sprintf("user=root, pid=%d, path=/usr/bin/bash, cmdline='wget -q -O -', anomaly_factor=%.4f",
			now.Unix()%1000+1000, g.factor()),
	}
}

func (g *generator) networkEvent(now time.Time) pipeline.Submission {
	return pipeline.Submission{
		Source:    telemetry.SourceNetworkSensor,
		Timestamp: now.Format("2006-01-02T15:04:05.000000"),
		EventType: "dns_query",
		Data: fmt.Sprintf("id.orig_h=10.0.0.%d, id.resp_h=8.8.8.8, query=malicious-%d.com, proto=udp, anomaly_factor=%.4f",
			2+g.rnd.Intn(99), now.Unix(), g.factor()),
	}
}
