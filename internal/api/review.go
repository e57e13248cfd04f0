package api

import (
	"encoding/json"
	"fmt"

	"github.com/fjmoreno/contaflow/internal/classify"
	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/reconcile"
	"github.com/fjmoreno/contaflow/internal/service"
)

// reviewEnvelope frames the kind-specific review payload with what the
// feedback object must contain to resume the session.
type reviewEnvelope struct {
	SessionID      string             `json:"sessionId"`
	Kind           model.WorkflowKind `json:"kind"`
	Step           string             `json:"step"`
	RequiredFields []string           `json:"requiredFields,omitempty"`
	Review         any                `json:"review"`
}

// reconciliationReview lists the match proposals awaiting a decision along
// with the discrepancies found in the same run.
type reconciliationReview struct {
	Items         []service.ReviewItem    `json:"items"`
	Discrepancies []reconcile.Discrepancy `json:"discrepancies"`
}

// classificationReview lists the low-confidence proposals awaiting a
// correction and the requested ids that could not be loaded.
type classificationReview struct {
	Pending []model.ClassificationProposal `json:"pending"`
	Missing []string                       `json:"missing,omitempty"`
}

// reviewPayload extracts the review section from a suspended session's state
// snapshot. Only gated workflows have one; treasury sessions never suspend.
func reviewPayload(sess *model.WorkflowSession) (*reviewEnvelope, error) {
	if sess.Awaiting == nil {
		return nil, common.NewStateError("session %s has no pending review step", sess.ID)
	}

	envelope := &reviewEnvelope{
		SessionID:      sess.ID,
		Kind:           sess.Kind,
		Step:           sess.Awaiting.Step,
		RequiredFields: sess.Awaiting.RequiredFields,
	}

	switch sess.Kind {
	case model.KindReconciliation:
		var state reconcile.State
		if err := json.Unmarshal(sess.State, &state); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
		envelope.Review = reconciliationReview{
			Items:         state.Review,
			Discrepancies: state.Discrepancies,
		}
	case model.KindClassification:
		var state classify.State
		if err := json.Unmarshal(sess.State, &state); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
		pending := make(map[string]bool, len(state.Pending))
		for _, id := range state.Pending {
			pending[id] = true
		}
		var proposals []model.ClassificationProposal
		for _, p := range state.Proposals {
			if pending[p.TransactionID] {
				proposals = append(proposals, p)
			}
		}
		envelope.Review = classificationReview{
			Pending: proposals,
			Missing: state.Missing,
		}
	default:
		return nil, common.NewStateError("workflow kind %s has no review step", sess.Kind)
	}

	return envelope, nil
}
