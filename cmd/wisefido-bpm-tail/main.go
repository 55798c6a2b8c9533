package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-bpm/common/logger"
	"wisefido-bpm/internal/models"
	"wisefido-bpm/internal/streamclient"

	"go.uber.org/zap"
)

// wisefido-bpm-tail 订阅 /api/stream 并逐行打印更新事件
func main() {
	baseURL := flag.String("url", "http://localhost:3001", "wisefido-bpm base URL")
	retry := flag.Duration("retry", streamclient.DefaultRetryPolicy().Delay, "reconnect delay")
	maxAttempts := flag.Int("max-attempts", 0, "consecutive failed connects before giving up (0 = never)")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log, err := logger.NewLogger(*level, "console", "wisefido-bpm-tail")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := streamclient.NewClient(*baseURL, streamclient.RetryPolicy{Delay: *retry, MaxAttempts: *maxAttempts}, log)
	if err := client.Run(ctx, printEvent); err != nil {
		log.Error("Stream client stopped", zap.Error(err))
		os.Exit(1)
	}
}

func printEvent(ev models.UpdateEvent) {
	line := fmt.Sprintf("#%d %-8s", ev.Seq, ev.Reason)
	if r := ev.LatestReading; r != nil {
		line += fmt.Sprintf(" %s %s bpm=%d quality=%s", r.Timestamp.Format(time.TimeOnly), r.Source, r.BPM, r.Quality)
	}
	if a := ev.Alert; a != nil {
		line += fmt.Sprintf(" alert=%s/%s device=%s ack=%t", a.Type, a.Severity, a.DeviceID, a.Acknowledged)
	}
	if d := ev.Device; d != nil {
		line += fmt.Sprintf(" device=%s status=%s", d.DeviceID, d.Status)
	}
	if st := ev.SystemStatus; st != nil {
		line += fmt.Sprintf(" active=%s health=%s failovers=%d", st.ActiveSource, st.SystemHealth, st.FailoverCount)
	}
	fmt.Println(line)
}
