// Package catalogue talks to the metadata catalogue: searching, creating and
// updating entities, and resolving references to existing ones.
package catalogue

import (
	"context"
	"fmt"

	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/pkg/errors"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrObjectExists = errors.New("object already exists")
	ErrAmbiguous    = errors.New("more than one object matches")
	ErrPermission   = errors.New("insufficient privileges")
	ErrValidation   = errors.New("validation failed")
	ErrSession      = errors.New("session error")
)

// RemoteError is a failure reported by the catalogue service that does not
// map to one of the sentinel errors.
type RemoteError struct {
	Op      string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("catalogue %s: %s: %s", e.Op, e.Code, e.Message)
}

// Searcher runs queries. Results carry their to-one relations and the
// to-many relations named in the query includes.
type Searcher interface {
	Search(ctx context.Context, q *query.Query) ([]*entity.Entity, error)
}

// Client is everything the dump engine needs from the catalogue.
type Client interface {
	Searcher
	// Create stores e together with every nested child and assigns the new
	// ids to all nodes of the submitted tree.
	Create(ctx context.Context, e *entity.Entity) error
	Update(ctx context.Context, e *entity.Entity) error
	ResolveByUniqueKey(ctx context.Context, key string) (*entity.Entity, error)
	ConstraintAttributes(typ string) ([]string, error)
	Registry() *entity.Registry
}

func constraintAttributes(reg *entity.Registry, typ string) ([]string, error) {
	if reg == nil {
		return nil, errors.New("no schema registry")
	}
	ti, err := reg.Type(typ)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), ti.Constraint...), nil
}
