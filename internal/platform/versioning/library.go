package versioning

import (
	"context"
	"fmt"
	"strings"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
)

const LibraryLabel = "Library"

// Library is a named partition owning roots.
type Library struct {
	NodeID     string `json:"-"`
	Name       string `json:"name"`
	IsEditable bool   `json:"is_editable"`
}

func libraryFromNode(n *graph.Node) Library {
	return Library{NodeID: n.ID, Name: n.Props.String("name"), IsEditable: n.Props.Bool("is_editable")}
}

// FindLibrary returns nil when no library has that name.
func FindLibrary(ctx context.Context, r graph.Reader, name string) (*Library, error) {
	n, err := graph.FindOne(ctx, r, LibraryLabel, graph.Props{"name": name})
	if err != nil || n == nil {
		return nil, err
	}
	lib := libraryFromNode(n)
	return &lib, nil
}

// RequireLibrary fails with BusinessLogic for unknown libraries.
func RequireLibrary(ctx context.Context, r graph.Reader, name string) (Library, error) {
	lib, err := FindLibrary(ctx, r, name)
	if err != nil {
		return Library{}, err
	}
	if lib == nil {
		return Library{}, apperr.BusinessLogic("versioning.library", "Library with name '%s' doesn't exist", name)
	}
	return *lib, nil
}

// EnsureLibrary returns the named library, creating it if needed.
func EnsureLibrary(ctx context.Context, tx graph.Tx, name string, editable bool) (Library, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Library{}, apperr.Validation("versioning.library", "library name is required")
	}
	lib, err := FindLibrary(ctx, tx, name)
	if err != nil {
		return Library{}, err
	}
	if lib != nil {
		return *lib, nil
	}
	n, err := tx.CreateNode(ctx, []string{LibraryLabel}, graph.Props{"name": name, "is_editable": editable})
	if err != nil {
		return Library{}, fmt.Errorf("create library: %w", err)
	}
	return libraryFromNode(n), nil
}

// ListLibraries returns every library.
func ListLibraries(ctx context.Context, r graph.Reader) ([]Library, error) {
	nodes, err := r.FindNodes(ctx, LibraryLabel, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Library, len(nodes))
	for i, n := range nodes {
		out[i] = libraryFromNode(n)
	}
	return out, nil
}

// LibraryOf returns the library containing the root.
func LibraryOf(ctx context.Context, r graph.Reader, rootID string) (Library, error) {
	edges, err := r.In(ctx, rootID, EdgeContainsConcept)
	if err != nil {
		return Library{}, err
	}
	if len(edges) == 0 {
		return Library{}, fmt.Errorf("root %s has no library", rootID)
	}
	n, err := r.Node(ctx, edges[0].From)
	if err != nil {
		return Library{}, err
	}
	return libraryFromNode(n), nil
}

// NextUID draws the next uid for prefix, e.g. "ActivityGroup_000007".
func NextUID(ctx context.Context, tx graph.Tx, prefix string) (string, error) {
	n, err := tx.NextCounter(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("generate %s uid: %w", prefix, err)
	}
	return fmt.Sprintf("%s_%06d", prefix, n), nil
}
