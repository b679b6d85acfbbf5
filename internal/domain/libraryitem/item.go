package libraryitem

import (
	"reflect"
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Aggregate is implemented by every versioned entity. Embedding Item
// provides it.
type Aggregate interface {
	Base() *Item
}

// Item is the state shared by all library item aggregates.
type Item struct {
	UID     string
	Library versioning.Library
	Meta    Metadata
	Deleted bool

	lockedLibraryEdits bool
	removed            bool
	stored             *stored
}

// stored is what the repository loaded; nil until the item is saved.
type stored struct {
	RootID  string
	ValueID string
	EdgeID  string
	Meta    Metadata
	Deleted bool
}

func (i *Item) Base() *Item { return i }

// IsNil reports whether a is a nil aggregate pointer, the "no version
// matched" result of the finders.
func IsNil[A Aggregate](a A) bool {
	v := reflect.ValueOf(a)
	return !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil())
}

// NewItem starts a Draft 0.1 item in lib.
func NewItem(uid string, lib versioning.Library, author string, now time.Time) (Item, error) {
	if !lib.IsEditable {
		return Item{}, apperr.BusinessLogic("libraryitem.create", "Library with name '%s' is not editable.", lib.Name)
	}
	return Item{UID: uid, Library: lib, Meta: NewDraftMetadata(author, now)}, nil
}

// ItemFromRecord rebuilds the item part of an aggregate from storage.
func ItemFromRecord(rec Record) Item {
	meta := metadataFromRel(rec.Rel)
	return Item{
		UID:     rec.UID,
		Library: rec.Library,
		Meta:    meta,
		Deleted: rec.Deleted,
		stored:  &stored{RootID: rec.RootID, ValueID: rec.Rel.ValueID, EdgeID: rec.Rel.EdgeID, Meta: meta, Deleted: rec.Deleted},
	}
}

// AllowNonEditableLibrary permits edits in a locked library. CT term names
// are maintained by the sponsor even in read-only code lists.
func (i *Item) AllowNonEditableLibrary() { i.lockedLibraryEdits = true }

// Persisted reports whether the item has been saved.
func (i *Item) Persisted() bool { return i.stored != nil }

func (i *Item) checkEditable(op string) error {
	if i.Deleted {
		return apperr.BusinessLogic(op, "The object has been deleted.")
	}
	if !i.Library.IsEditable && !i.lockedLibraryEdits {
		return apperr.BusinessLogic(op, "Library with name '%s' is not editable.", i.Library.Name)
	}
	return nil
}

// CanEdit fails when the library is locked or the item isn't a draft. It
// is checked before any input validation.
func (i *Item) CanEdit() error {
	if err := i.checkEditable("libraryitem.edit"); err != nil {
		return err
	}
	if i.Meta.Status != versioning.Draft {
		return apperr.BusinessLogic("libraryitem.edit", "The object isn't in draft status.")
	}
	return nil
}

// EditDraft bumps the draft when changed is true. An unchanged edit is a
// no-op, not an error.
func (i *Item) EditDraft(author, desc string, changed bool, now time.Time) error {
	if err := i.CanEdit(); err != nil {
		return err
	}
	if !changed {
		return nil
	}
	m, err := i.Meta.EditDraft(author, desc, now)
	if err != nil {
		return err
	}
	i.Meta = m
	return nil
}

func (i *Item) transition(op string, fn func() (Metadata, error)) error {
	if err := i.checkEditable(op); err != nil {
		return err
	}
	m, err := fn()
	if err != nil {
		return err
	}
	i.Meta = m
	return nil
}

func (i *Item) Approve(author string, now time.Time) error {
	return i.transition("libraryitem.approve", func() (Metadata, error) { return i.Meta.Approve(author, now) })
}

func (i *Item) NewVersion(author, desc string, now time.Time) error {
	return i.transition("libraryitem.new_version", func() (Metadata, error) { return i.Meta.NewVersion(author, desc, now) })
}

func (i *Item) Inactivate(author string, now time.Time) error {
	return i.transition("libraryitem.inactivate", func() (Metadata, error) { return i.Meta.Inactivate(author, now) })
}

func (i *Item) Reactivate(author string, now time.Time) error {
	return i.transition("libraryitem.reactivate", func() (Metadata, error) { return i.Meta.Reactivate(author, now) })
}

// Delete marks a never approved item for removal together with its
// history. Items that have been Final must be soft deleted.
func (i *Item) Delete() error {
	if err := i.checkEditable("libraryitem.delete"); err != nil {
		return err
	}
	if !i.Meta.NeverApproved() {
		return apperr.BusinessLogic("libraryitem.delete", "Object has been accepted")
	}
	i.removed = true
	return nil
}

// SoftDelete flags an approved item as deleted while keeping its history.
func (i *Item) SoftDelete() error {
	if err := i.checkEditable("libraryitem.soft_delete"); err != nil {
		return err
	}
	if i.Meta.NeverApproved() {
		return apperr.BusinessLogic("libraryitem.soft_delete", "Never approved items are deleted, not soft deleted")
	}
	i.Deleted = true
	return nil
}

// PossibleActions is empty for deleted items.
func (i *Item) PossibleActions() []Action {
	if i.Deleted {
		return nil
	}
	return i.Meta.PossibleActions()
}
