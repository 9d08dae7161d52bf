// Package progress records how far an ingest got so that an interrupted run
// can resume after the last completed chunk.
package progress

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Entry is the state of one ingest operation.
type Entry struct {
	Operation string    `json:"operation"`
	Input     string    `json:"input"`
	Chunks    int       `json:"chunks"`
	Updated   time.Time `json:"updated"`
}

// Journal stores one Entry per operation.
type Journal interface {
	// Get returns the entry of op; ok is false if nothing was recorded.
	Get(ctx context.Context, op string) (e Entry, ok bool, err error)
	// Record marks chunk as completed. The chunk count never decreases.
	Record(ctx context.Context, op, input string, chunk int) error
	Clear(ctx context.Context, op string) error
	Close() error
}

var namespace = uuid.MustParse("5d1cbbce-64a1-4c3e-9d3c-6a0e3f0d5b17")

// OperationID derives a stable id from the parts identifying an ingest, such
// as the catalogue URL and the input file.
func OperationID(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "\x00"))).String()
}

// Open returns a Postgres journal for postgres:// and postgresql:// targets
// and a file journal otherwise.
func Open(ctx context.Context, target string) (Journal, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("progress: journal target is required")
	}
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return OpenPostgres(ctx, target)
	}
	return NewFileJournal(target), nil
}

func normalizeOp(op string) (string, error) {
	op = strings.TrimSpace(op)
	if op == "" {
		return "", errors.New("progress: operation id is required")
	}
	return op, nil
}
