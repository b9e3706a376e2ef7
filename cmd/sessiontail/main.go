package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sceneforge/sceneforge/internal/domain"
	"github.com/sceneforge/sceneforge/internal/infra"
	"github.com/sceneforge/sceneforge/internal/session"
)

// sessiontail creates a generation job against a running API instance and
// tails its scene progress to stdout. Handy for exercising the pipeline
// end-to-end without a browser.
func main() {
	_ = godotenv.Load()

	var (
		apiURL    string
		userID    string
		prompt    string
		count     int
		model     string
		submitURL string
	)
	flag.StringVar(&apiURL, "api", "http://localhost:8080", "base URL of the job API")
	flag.StringVar(&userID, "user", "dev-user", "user id to act as")
	flag.StringVar(&prompt, "prompt", "", "generation prompt")
	flag.IntVar(&count, "count", 1, "number of clips (batch when > 1)")
	flag.StringVar(&model, "model", "clip-fast", "model variant key")
	flag.StringVar(&submitURL, "submit-url", "", "upstream submit endpoint placed in each sub-request")
	flag.Parse()

	if prompt == "" {
		fmt.Fprintln(os.Stderr, "-prompt is required")
		os.Exit(1)
	}
	if submitURL == "" {
		submitURL = os.Getenv("UPSTREAM_SUBMIT_URL")
	}
	if submitURL == "" {
		fmt.Fprintln(os.Stderr, "-submit-url or UPSTREAM_SUBMIT_URL is required")
		os.Exit(1)
	}

	logger := infra.NewLogger(os.Getenv("APP_ENV"), "sessiontail")

	manager, err := session.NewManager(session.Options{
		API:       session.NewClient(apiURL, userID, nil),
		SubmitURL: submitURL,
		Model:     model,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("sessiontail: failed to build session manager")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := manager.Generate(ctx, prompt, count)
	if err != nil {
		logger.Fatal().Err(err).Msg("sessiontail: generation failed to start")
	}
	logger.Info().Str("job_id", sess.JobID()).Msg("sessiontail: job created, streaming")

	select {
	case <-ctx.Done():
		if err := manager.Cancel(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("sessiontail: cancel failed")
		}
		<-sess.Done()
	case <-sess.Done():
	}

	final := sess.Final()
	for _, scene := range manager.Scenes() {
		fmt.Printf("scene %d: status=%s url=%s generation=%s\n",
			scene.Slot, scene.Status, scene.ArtifactURL, scene.GenerationID)
	}
	switch final.Type {
	case domain.EventCompleted:
		logger.Info().Msg("sessiontail: generation completed")
	case domain.EventCancelled:
		logger.Info().Msg("sessiontail: generation cancelled")
	case domain.EventFailed:
		reason := ""
		if final.Failed != nil {
			reason = string(final.Failed.Reason)
		}
		logger.Error().Str("reason", reason).Msg("sessiontail: generation failed")
		os.Exit(1)
	default:
		logger.Warn().Msg("sessiontail: stream ended without a terminal event")
	}
}
