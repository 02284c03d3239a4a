package poll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/silo"
	"github.com/backfeed-project/backfeed/internal/store"
	"github.com/backfeed-project/backfeed/internal/tasks"
	"github.com/backfeed-project/backfeed/internal/urls"
)

// getOrSave persists a freshly extracted response, merging it into any
// existing entity: target sets are unioned, a changed snapshot restarts
// delivery with the old snapshot kept as history, and a propagate task is
// enqueued whenever new work appeared.
func (h *Handler) getOrSave(ctx context.Context, incoming *bridge.Response, src *bridge.Source, adapter silo.Adapter, restart bool) (*bridge.Response, error) {
	existing, err := h.store.GetResponse(ctx, incoming.ID)
	if err == store.ErrNotFound {
		if !incoming.Settled() {
			incoming.Status = bridge.StatusNew
		} else {
			incoming.Status = bridge.StatusComplete
		}
		if err := h.store.PutResponse(ctx, incoming); err != nil {
			return nil, err
		}
		if !incoming.Settled() {
			h.logger.Debug("new webmentions to propagate",
				zap.String("response", incoming.ID), zap.Strings("unsent", incoming.Unsent))
			if err := h.addPropagateTask(ctx, incoming.ID); err != nil {
				return nil, err
			}
		}
		return incoming, nil
	}
	if err != nil {
		return nil, err
	}

	propagate := existing.MergeTargets(&incoming.Delivery)

	oldSnapshot, _ := as1.DecodeString(existing.ResponseJSON)
	newSnapshot, _ := as1.DecodeString(incoming.ResponseJSON)

	switch {
	case incoming.Type != existing.Type || as1.ActivityChanged(oldSnapshot, newSnapshot):
		h.logger.Info("response changed, repropagating", zap.String("response", incoming.ID))
		history := append([]string{existing.ResponseJSON}, existing.OldResponseJSONs...)
		if len(history) > bridge.MaxOldResponses {
			history = history[:bridge.MaxOldResponses]
		}
		existing.OldResponseJSONs = history

		if oldSnapshot != nil && newSnapshot != nil {
			as1.AppendInReplyTo(oldSnapshot, newSnapshot)
		}
		existing.ResponseJSON = incoming.ResponseJSON
		if newSnapshot != nil {
			existing.ResponseJSON = newSnapshot.Encode()
		}
		existing.Type = incoming.Type
		existing.ActivitiesJSON = incoming.ActivitiesJSON
		if incoming.URLsToActivityJSON != "" {
			existing.URLsToActivityJSON = incoming.URLsToActivityJSON
		}
		return h.restartResponse(ctx, existing, src, adapter)

	case restart:
		return h.restartResponse(ctx, existing, src, adapter)

	default:
		if err := h.store.PutResponse(ctx, existing); err != nil {
			return nil, err
		}
		if propagate {
			h.logger.Debug("new webmentions to propagate",
				zap.String("response", existing.ID))
			if err := h.addPropagateTask(ctx, existing.ID); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
}

// restartResponse folds every target set back into unsent, augments it with
// stored originals for the activity's syndication URLs, clears those targets
// from the endpoint cache, and enqueues delivery.
func (h *Handler) restartResponse(ctx context.Context, resp *bridge.Response, src *bridge.Source, adapter silo.Adapter) (*bridge.Response, error) {
	for _, raw := range resp.ActivitiesJSON {
		activity, err := as1.DecodeString(raw)
		if err != nil {
			continue
		}
		syndURL := activity.URL()
		if syndURL == "" {
			continue
		}
		if canon := adapter.CanonicalizeURL(syndURL, activity); canon != "" {
			syndURL = canon
		}
		rows, err := h.store.ListSyndicatedPosts(ctx, src.Kind, src.ID, syndURL, "")
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.Original != "" {
				resp.Unsent = append(resp.Unsent, row.Original)
			}
		}
	}

	resp.Unsent = urls.Dedupe(resp.Unsent)
	resp.RestartTargets()
	if h.endpoints != nil {
		for _, u := range resp.Unsent {
			h.endpoints.Invalidate(u)
		}
	}

	if err := h.store.PutResponse(ctx, resp); err != nil {
		return nil, err
	}
	return resp, h.addPropagateTask(ctx, resp.ID)
}

// Restart re-opens a stored response for delivery, the handler behind the
// admin retry lever.
func (h *Handler) Restart(ctx context.Context, id string) (*bridge.Response, error) {
	resp, err := h.store.GetResponse(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := h.store.GetSource(ctx, resp.SourceKind, resp.SourceID)
	if err != nil {
		return nil, err
	}
	adapter, ok := h.registry.Lookup(src.Kind)
	if !ok {
		return nil, errUnknownSilo(src.Kind)
	}
	return h.restartResponse(ctx, resp, src, adapter)
}

func (h *Handler) addPropagateTask(ctx context.Context, responseID string) error {
	return h.queue.Add(ctx, tasks.Task{
		Queue:  tasks.QueuePropagate,
		Params: map[string]string{"response_id": responseID},
	})
}

// repropagateOldResponses re-opens recent responses whose activity now has a
// newly discovered syndication relationship, so the new original gets a
// webmention too.
func (h *Handler) repropagateOldResponses(ctx context.Context, src *bridge.Source, adapter silo.Adapter, relationships map[string][]*bridge.SyndicatedPost) error {
	responses, err := h.store.ListResponsesBySource(ctx, src.Kind, src.ID, time.Time{}, maxRepropagates)
	if err != nil {
		return err
	}

	for _, resp := range responses {
		newOriginals := make(map[string]bool)
		for _, raw := range resp.ActivitiesJSON {
			activity, err := as1.DecodeString(raw)
			if err != nil {
				continue
			}
			activityURL := activity.URL()
			if activityURL == "" {
				continue
			}
			if canon := adapter.CanonicalizeURL(activityURL, activity); canon != "" {
				activityURL = canon
			}
			for _, rel := range relationships[activityURL] {
				if rel.Original == "" || contains(resp.Sent, rel.Original) || contains(resp.OriginalPosts, rel.Original) {
					continue
				}
				newOriginals[rel.Original] = true
			}
		}
		if len(newOriginals) == 0 {
			continue
		}

		h.logger.Info("repropagating response with new syndication target",
			zap.String("response", resp.ID))
		_, err := h.store.UpdateResponse(ctx, resp.ID, func(r *bridge.Response) error {
			for orig := range newOriginals {
				if !contains(r.AllTargets(), orig) {
					r.Unsent = append(r.Unsent, orig)
				}
			}
			r.Status = bridge.StatusNew
			return nil
		})
		if err != nil {
			return err
		}
		if err := h.addPropagateTask(ctx, resp.ID); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
