// Command agentsim is a standalone dispatcher: it polls one run for pending
// attempts on agent nodes, answers each with exampleagent's chat-completion
// provider, and reports the result back through the executor. It exists to
// exercise the provider callback extension point end to end; a production
// dispatcher would be its own long-running service subscribed to the
// websocket feed instead of polling.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/smilemakc/alphred/internal/config"
	"github.com/smilemakc/alphred/internal/domain"
	"github.com/smilemakc/alphred/internal/logging"
	"github.com/smilemakc/alphred/internal/providers/exampleagent"
	"github.com/smilemakc/alphred/internal/scheduler"
	"github.com/smilemakc/alphred/internal/storage"
)

func main() {
	var (
		runID    = flag.Int64("run-id", 0, "run to dispatch attempts for")
		interval = flag.Duration("interval", 2*time.Second, "polling interval")
	)
	flag.Parse()

	if *runID == 0 {
		log.Fatal("agentsim: -run-id is required")
	}

	cfg := config.Load()
	zlog := logging.New(cfg.LogLevel)

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatal("agentsim: OPENAI_API_KEY is required")
	}
	provider := exampleagent.New(apiKey)

	store := storage.NewBunStore(cfg.DatabaseDSN)
	executor := scheduler.NewExecutor(store, zlog, cfg.AdvanceCASRetries)

	ctx := context.Background()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		if err := dispatchOnce(ctx, store, executor, provider, *runID); err != nil {
			zlog.Error().Err(err).Msg("dispatch pass failed")
		}

		run, err := store.GetRun(ctx, *runID)
		if err == nil && run.Status.IsTerminal() {
			zlog.Info().Str("status", run.Status.String()).Msg("run reached a terminal status, exiting")
			return
		}
		<-ticker.C
	}
}

func dispatchOnce(ctx context.Context, store domain.Store, executor *scheduler.Executor, provider *exampleagent.Provider, runID int64) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	tree, err := store.GetTree(ctx, run.TreeID)
	if err != nil {
		return err
	}
	latest, err := store.LoadLatestAttempts(ctx, runID)
	if err != nil {
		return err
	}

	for _, rn := range latest {
		if rn.Status != domain.RunNodeStatusPending {
			continue
		}
		node, ok := tree.Node(rn.NodeKey)
		if !ok || node.NodeType != domain.NodeTypeAgent {
			continue
		}
		manifest, err := store.GetManifest(ctx, rn.ID, rn.Attempt)
		if err != nil {
			// Context assembly may not have run yet for this attempt.
			continue
		}
		assembled, err := hydrateAssembledContext(ctx, store, manifest)
		if err != nil {
			return err
		}

		content, err := provider.Run(ctx, node, assembled)
		status := domain.RunNodeStatusCompleted
		artifacts := []scheduler.ArtifactInput{{
			ArtifactType: "agent_output",
			ContentType:  "text/plain",
			Content:      content,
		}}
		if err != nil {
			status = domain.RunNodeStatusFailed
			artifacts = []scheduler.ArtifactInput{{
				ArtifactType: "agent_error",
				ContentType:  "text/plain",
				Content:      err.Error(),
			}}
		}
		if reportErr := executor.ReportAttemptResult(ctx, runID, rn.ID, rn.Attempt, status, artifacts); reportErr != nil {
			return reportErr
		}
	}
	return nil
}

// hydrateAssembledContext re-reads the artifacts a saved manifest named, in
// case this dispatcher process is answering an attempt whose context was
// assembled by a different process.
func hydrateAssembledContext(ctx context.Context, store domain.Store, manifest *domain.Manifest) (*domain.AssembledContext, error) {
	assembled := &domain.AssembledContext{Manifest: *manifest}
	for i, artifactID := range manifest.IncludedArtifactIDs {
		sourceNodeKey := ""
		if i < len(manifest.IncludedSourceNodeKeys) {
			sourceNodeKey = manifest.IncludedSourceNodeKeys[i]
		}
		content, err := artifactContent(ctx, store, artifactID)
		if err != nil {
			return nil, err
		}
		assembled.Entries = append(assembled.Entries, domain.ContextEntry{
			SourceNodeKey: sourceNodeKey, ArtifactID: artifactID, Content: content,
		})
	}
	if manifest.FailureRouteContextIncluded && manifest.FailureRouteSourceNodeKey != nil && manifest.FailureRouteFailureArtifactID != nil {
		assembled.FailureRouteContext = &domain.FailureRouteContext{
			SourceNodeKey:          *manifest.FailureRouteSourceNodeKey,
			FailureArtifactID:      *manifest.FailureRouteFailureArtifactID,
			RetrySummaryArtifactID: manifest.FailureRouteRetrySummaryArtifactID,
		}
	}
	return assembled, nil
}

func artifactContent(ctx context.Context, store domain.Store, artifactID int64) (string, error) {
	artifact, err := store.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", err
	}
	return artifact.Content, nil
}
