package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/audit"
)

// PRRef is the decoded shape of a job's pr_reference payload.
type PRRef struct {
	Repo     string `json:"repo"`
	PR       int    `json:"pr"`
	TokenRef string `json:"token_ref"`
}

// Notifier maintains a single kernel-owned status comment per run on the
// submitting PR. All failures are logged and swallowed: PR feedback never
// affects run outcome.
type Notifier struct {
	provider contracts.VcsProvider
	creds    contracts.CredentialSource
	log      audit.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(provider contracts.VcsProvider, creds contracts.CredentialSource, log audit.Logger) *Notifier {
	return &Notifier{provider: provider, creds: creds, log: log}
}

// OrderCompleted refreshes the status comment after one order reached a
// terminal state.
func (n *Notifier) OrderCompleted(ctx context.Context, order *contracts.Order) {
	if order == nil || len(order.PRReference) == 0 {
		return
	}
	body := fmt.Sprintf("order `%s` ended as `%s`", order.Name, order.Status)
	n.upsert(ctx, order.RunID, order.PRReference, body)
}

// RunCompleted posts the final status comment for a finished run.
func (n *Notifier) RunCompleted(ctx context.Context, orders []*contracts.Order, marker *contracts.DoneMarker) {
	if len(orders) == 0 || marker == nil || len(orders[0].PRReference) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run `%s` finished: **%s** (succeeded %d, failed %d, timed out %d)\n\n",
		orders[0].RunID, marker.Status,
		marker.Summary.Succeeded, marker.Summary.Failed, marker.Summary.TimedOut)
	for _, order := range orders {
		fmt.Fprintf(&b, "- `%s`: %s\n", order.Name, order.Status)
	}
	n.upsert(ctx, orders[0].RunID, orders[0].PRReference, b.String())
}

func (n *Notifier) upsert(ctx context.Context, runID contracts.RunID, rawRef json.RawMessage, body string) {
	var ref PRRef
	if err := json.Unmarshal(rawRef, &ref); err != nil || ref.Repo == "" || ref.PR == 0 {
		n.log.Warn("pr_reference_unusable").Str("run_id", string(runID)).Msg("")
		return
	}

	token := ""
	if ref.TokenRef != "" {
		value, err := n.creds.Fetch(ctx, ref.TokenRef)
		if err != nil {
			n.log.Error("pr_token_fetch_failed", err).Str("run_id", string(runID)).Msg("")
			return
		}
		token = strings.TrimSpace(string(value))
	}

	tag := CommentTag(string(runID))
	tagged := tag + "\n" + body

	id, found, err := n.provider.FindCommentByTag(ctx, ref.Repo, ref.PR, tag, token)
	if err != nil {
		n.log.Error("pr_comment_lookup_failed", err).Str("run_id", string(runID)).Msg("")
		return
	}
	if found {
		if err := n.provider.UpdateComment(ctx, ref.Repo, id, tagged, token); err != nil {
			n.log.Error("pr_comment_update_failed", err).Str("run_id", string(runID)).Msg("")
		}
		return
	}
	if _, err := n.provider.CreateComment(ctx, ref.Repo, ref.PR, tagged, token); err != nil {
		n.log.Error("pr_comment_create_failed", err).Str("run_id", string(runID)).Msg("")
	}
}
