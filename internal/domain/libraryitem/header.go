package libraryitem

import (
	"context"
	"time"

	"github.com/mdr/mdr/internal/platform/versioning"
)

// Authors resolves author ids to user names. Unknown ids resolve to
// themselves.
type Authors interface {
	Username(ctx context.Context, authorID string) string
}

// Header is the JSON representation of the library item part of an entity.
type Header struct {
	UID               string             `json:"uid"`
	LibraryName       string             `json:"library_name"`
	Status            versioning.Status  `json:"status"`
	Version           versioning.Version `json:"version"`
	StartDate         time.Time          `json:"start_date"`
	EndDate           *time.Time         `json:"end_date"`
	ChangeDescription string             `json:"change_description"`
	AuthorID          string             `json:"author_id"`
	AuthorUsername    string             `json:"author_username"`
	PossibleActions   []Action           `json:"possible_actions"`
	Deleted           bool               `json:"deleted,omitempty"`
}

// Header renders the item, resolving the author through authors when given.
func (i *Item) Header(ctx context.Context, authors Authors) Header {
	h := Header{
		UID:               i.UID,
		LibraryName:       i.Library.Name,
		Status:            i.Meta.Status,
		Version:           i.Meta.Version,
		StartDate:         i.Meta.StartDate,
		EndDate:           i.Meta.EndDate,
		ChangeDescription: i.Meta.ChangeDescription,
		AuthorID:          i.Meta.AuthorID,
		AuthorUsername:    i.Meta.AuthorID,
		PossibleActions:   i.PossibleActions(),
		Deleted:           i.Deleted,
	}
	if authors != nil {
		h.AuthorUsername = authors.Username(ctx, i.Meta.AuthorID)
	}
	return h
}
