package versioning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mdr/mdr/internal/platform/graph"
)

// ActionType labels an audit action.
type ActionType string

const (
	ActionCreate ActionType = "Create"
	ActionEdit   ActionType = "Edit"
	ActionDelete ActionType = "Delete"
)

const (
	EdgeAuditTrail = "AUDIT_TRAIL"
	EdgeBefore     = "BEFORE"
	EdgeAfter      = "AFTER"

	actionLabel = "Action"
)

// Action is one audit trail entry.
type Action struct {
	ID       string
	Type     ActionType
	Date     time.Time
	AuthorID string
	BeforeID string
	AfterID  string
}

// RecordAction chains a Create/Edit/Delete action into the owner's audit
// trail. beforeID and afterID may be empty.
func RecordAction(ctx context.Context, tx graph.Tx, ownerID string, typ ActionType, beforeID, afterID, authorID string, date time.Time) (Action, error) {
	n, err := tx.CreateNode(ctx, []string{actionLabel, string(typ)}, graph.Props{
		"type":      string(typ),
		"date":      date,
		"author_id": authorID,
	})
	if err != nil {
		return Action{}, fmt.Errorf("create %s action: %w", typ, err)
	}
	if _, err := tx.CreateEdge(ctx, EdgeAuditTrail, ownerID, n.ID, nil); err != nil {
		return Action{}, fmt.Errorf("link action: %w", err)
	}
	if beforeID != "" {
		if _, err := tx.CreateEdge(ctx, EdgeBefore, n.ID, beforeID, nil); err != nil {
			return Action{}, fmt.Errorf("link action before: %w", err)
		}
	}
	if afterID != "" {
		if _, err := tx.CreateEdge(ctx, EdgeAfter, n.ID, afterID, nil); err != nil {
			return Action{}, fmt.Errorf("link action after: %w", err)
		}
	}
	return Action{ID: n.ID, Type: typ, Date: date, AuthorID: authorID, BeforeID: beforeID, AfterID: afterID}, nil
}

// AuditTrail returns the owner's actions, newest first.
func AuditTrail(ctx context.Context, r graph.Reader, ownerID string) ([]Action, error) {
	edges, err := r.Out(ctx, ownerID, EdgeAuditTrail)
	if err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	out := make([]Action, 0, len(edges))
	for _, e := range edges {
		n, err := r.Node(ctx, e.To)
		if err != nil {
			return nil, err
		}
		a := Action{ID: n.ID, Type: ActionType(n.Props.String("type")), AuthorID: n.Props.String("author_id")}
		if t := n.Props.Time("date"); t != nil {
			a.Date = *t
		}
		if b, err := graph.OutOne(ctx, r, n.ID, EdgeBefore); err != nil {
			return nil, err
		} else if b != nil {
			a.BeforeID = b.To
		}
		if af, err := graph.OutOne(ctx, r, n.ID, EdgeAfter); err != nil {
			return nil, err
		} else if af != nil {
			a.AfterID = af.To
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
