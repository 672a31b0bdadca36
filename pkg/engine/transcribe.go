package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// TranscribePayload triggers transcription of one fiche's recordings.
// RecordingIDs carries external ids; empty means every recording still
// missing a transcription.
type TranscribePayload struct {
	RunID        string   `json:"run_id"`
	FicheID      string   `json:"fiche_id"`
	RecordingIDs []string `json:"recording_ids,omitempty"`
	Priority     string   `json:"priority,omitempty"`
}

// TranscribeResult is the worker's memoized outcome.
type TranscribeResult struct {
	FicheID     string `json:"fiche_id"`
	Total       int    `json:"total"`
	Transcribed int    `json:"transcribed"`
	Failed      int    `json:"failed"`
}

// recordingOutcome is the memoized result of one wave entry.
type recordingOutcome struct {
	ExternalID string `json:"external_id"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// transcribeHandler runs the transcription engine over a fiche's
// recordings in bounded waves. Partial failure is tolerated; the gate
// decides completeness from Recording rows. Total failure fails the
// attempt so the runtime retries it.
func transcribeHandler(deps Deps) workflow.HandlerFunc {
	return func(ctx *workflow.Context) (any, error) {
		var payload TranscribePayload
		if err := ctx.Payload(&payload); err != nil {
			return nil, err
		}
		ficheID, err := models.ParseID(payload.FicheID)
		if err != nil {
			return nil, workflow.NonRetriable(err)
		}

		var targets []RecordingRef
		err = ctx.Run("resolve-targets", func(stepCtx context.Context) (any, error) {
			return resolveTargets(stepCtx, deps, ficheID, payload.RecordingIDs)
		}, &targets)
		if err != nil {
			return nil, err
		}

		result := TranscribeResult{FicheID: payload.FicheID, Total: len(targets)}
		if len(targets) == 0 {
			return result, nil
		}

		fanout := deps.Automation.RecordingFanout
		if fanout <= 0 {
			fanout = 1
		}
		for wave := 0; wave*fanout < len(targets); wave++ {
			batch := targets[wave*fanout : min((wave+1)*fanout, len(targets))]

			var outcomes []recordingOutcome
			err := ctx.Run(fmt.Sprintf("transcribe-wave-%d", wave), func(stepCtx context.Context) (any, error) {
				return transcribeWave(stepCtx, deps, ficheID, payload.Priority, batch), nil
			}, &outcomes)
			if err != nil {
				return nil, err
			}
			for _, o := range outcomes {
				if o.OK {
					result.Transcribed++
				} else {
					result.Failed++
					ctx.Logger().Warn("Recording transcription failed",
						"fiche_id", ficheID, "recording_id", o.ExternalID, "error", o.Error)
				}
			}
		}

		if result.Transcribed == 0 {
			return nil, fmt.Errorf("all %d transcriptions failed for fiche %d", result.Total, ficheID)
		}
		return result, nil
	}
}

// resolveTargets maps the requested external ids (or all pending ones)
// to recording references.
func resolveTargets(ctx context.Context, deps Deps, ficheID int64, externalIDs []string) ([]RecordingRef, error) {
	recordings, err := deps.Store.Recordings.ListForFiche(ctx, ficheID)
	if err != nil {
		return nil, err
	}

	byExternalID := make(map[string]models.Recording, len(recordings))
	for _, rec := range recordings {
		byExternalID[rec.ExternalID] = rec
	}

	var targets []RecordingRef
	if len(externalIDs) > 0 {
		for _, id := range externalIDs {
			rec, ok := byExternalID[id]
			if !ok {
				return nil, fmt.Errorf("recording %s not cached for fiche %d", id, ficheID)
			}
			targets = append(targets, RecordingRef{ExternalID: rec.ExternalID, URL: rec.URL})
		}
		return targets, nil
	}

	for _, rec := range recordings {
		if !rec.HasTranscription {
			targets = append(targets, RecordingRef{ExternalID: rec.ExternalID, URL: rec.URL})
		}
	}
	return targets, nil
}

// transcribeWave calls the engine for one wave concurrently, marking
// each success on its Recording row before the step checkpoints.
func transcribeWave(ctx context.Context, deps Deps, ficheID int64, priority string, batch []RecordingRef) []recordingOutcome {
	outcomes := make([]recordingOutcome, len(batch))
	var wg sync.WaitGroup
	for i, ref := range batch {
		wg.Add(1)
		go func(i int, ref RecordingRef) {
			defer wg.Done()
			outcome := recordingOutcome{ExternalID: ref.ExternalID}

			res, err := deps.Transcriber.Transcribe(ctx, TranscriptionRequest{
				FicheID:   ficheID,
				Recording: ref,
				Priority:  priority,
			})
			if err == nil {
				err = deps.Store.Recordings.MarkTranscribed(ctx, ficheID, ref.ExternalID, res.TranscriptionID)
			}
			if err != nil {
				outcome.Error = err.Error()
			} else {
				outcome.OK = true
			}
			outcomes[i] = outcome
		}(i, ref)
	}
	wg.Wait()
	return outcomes
}
